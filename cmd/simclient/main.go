// Command simclient is a minimal reference WebSocket client for the broker:
// it connects, issues a vis-data-request, and prints the header of every
// frame it receives until interrupted.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const binaryFrameMarker = byte(0xF5)

func main() {
	addr := flag.String("addr", "localhost:9002", "broker host:port")
	path := flag.String("path", "/ws", "WebSocket route")
	mode := flag.String("mode", "live", "vis-data-request mode: live, prerun, or playback")
	fileName := flag.String("file-name", "", "trajectory id for playback mode")
	token := flag.String("token", "", "bearer token, if the broker requires authentication")
	insecure := flag.Bool("insecure", false, "use ws:// instead of wss://")
	flag.Parse()

	scheme := "wss"
	if *insecure {
		scheme = "ws"
	}
	wsURL := url.URL{Scheme: scheme, Host: *addr, Path: *path}

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	//1.- Kick off streaming before entering the receive loop.
	request := map[string]any{
		"msgType":   0, // MsgVisDataRequest
		"mode":      *mode,
		"file-name": *fileName,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode request:", err)
		os.Exit(1)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		fmt.Fprintln(os.Stderr, "send vis-data-request:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintln(os.Stderr, "connection closed:", err)
				return
			}
			if msgType != websocket.BinaryMessage {
				printControlMessage(data)
				continue
			}
			printFrameHeader(data)
		}
	}()

	select {
	case <-sigCh:
	case <-done:
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// printFrameHeader reports the frame-aligned header (frame number, sim
// time, agent count) of a binary frame slice. Slices fetched mid-stream via
// the continuous GetBroadcastUpdate cursor are not frame-aligned, so this
// best-effort decode only makes sense for frame-boundary responses such as
// playback seeks.
func printFrameHeader(data []byte) {
	if len(data) == 0 || data[0] != binaryFrameMarker {
		fmt.Printf("binary message: %d bytes (no frame marker)\n", len(data))
		return
	}
	body := data[1:]
	if len(body) < 12 {
		fmt.Printf("frame slice: %d bytes (shorter than one frame header)\n", len(body))
		return
	}
	frameNumber := math.Float32frombits(binary.LittleEndian.Uint32(body[0:4]))
	timeNs := math.Float32frombits(binary.LittleEndian.Uint32(body[4:8]))
	agentCount := math.Float32frombits(binary.LittleEndian.Uint32(body[8:12]))
	fmt.Printf("frame: number=%.0f time=%.0fns agents=%.0f bytes=%d\n", frameNumber, timeNs, agentCount, len(body))
}

func printControlMessage(data []byte) {
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		fmt.Printf("control message (unparsed): %s\n", data)
		return
	}
	fmt.Printf("control message: %v\n", generic)
}
