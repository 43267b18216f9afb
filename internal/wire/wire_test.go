package wire

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"simularium/broker/internal/auth"
	"simularium/broker/internal/logging"
	"simularium/broker/internal/websockettest"
)

// fakeDispatcher records submitted frames and disconnects.
type fakeDispatcher struct {
	submitted chan []byte
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{submitted: make(chan []byte, 8)}
}

func (f *fakeDispatcher) Submit(uid string, payload []byte) { f.submitted <- payload }
func (f *fakeDispatcher) Disconnect(uid string)              {}

// fakeRegistrar hands out sequential uids.
type fakeRegistrar struct{ next int }

func (r *fakeRegistrar) Add() string {
	r.next++
	return strings.Repeat("u", r.next)
}

// dialHub always sends a loopback Origin header, since the Hub's origin
// checker trusts localHosts unconditionally but rejects any request with no
// Origin header at all.
func dialHub(t *testing.T, serverURL string, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Origin", "http://localhost")
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, resp, err := websockettest.DialIgnoringPongs(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	return conn, resp
}

func TestHubAcceptsConnectionAndDispatchesText(t *testing.T) {
	dispatcher := newFakeDispatcher()
	hub := NewHub(Options{
		Dispatcher: dispatcher,
		Registrar:  &fakeRegistrar{},
		Logger:     logging.NewTestLogger(),
	})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _ := dialHub(t, server.URL, nil)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"msgType":0}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-dispatcher.submitted:
		if string(payload) != `{"msgType":0}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
}

func TestHubRequiresTokenWhenVerifierConfigured(t *testing.T) {
	verifier, err := auth.NewHMACTokenVerifier("shared-secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	hub := NewHub(Options{
		Dispatcher: newFakeDispatcher(),
		Registrar:  &fakeRegistrar{},
		Verifier:   verifier,
		Logger:     logging.NewTestLogger(),
	})
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without a token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}

	token := signTestToken(t, "shared-secret", "pilot-7", time.Now().Add(time.Minute))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _ := dialHub(t, server.URL, header)
	defer conn.Close()
}

func TestHubRejectsConnectionsAtCapacity(t *testing.T) {
	hub := NewHub(Options{
		Dispatcher: newFakeDispatcher(),
		Registrar:  &fakeRegistrar{},
		MaxClients: 1,
		Logger:     logging.NewTestLogger(),
	})
	server := httptest.NewServer(hub)
	defer server.Close()

	first, _ := dialHub(t, server.URL, nil)
	defer first.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected second connection to be refused")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got resp=%v err=%v", resp, err)
	}
}

func TestHubSendBinaryFramesWithMarkerByte(t *testing.T) {
	registrar := &fakeRegistrar{}
	hub := NewHub(Options{
		Dispatcher: newFakeDispatcher(),
		Registrar:  registrar,
		Logger:     logging.NewTestLogger(),
	})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _ := dialHub(t, server.URL, nil)
	defer conn.Close()

	// The registrar assigned "u" to the only connected client.
	if err := hub.SendBinary("u", []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got type %d", msgType)
	}
	if len(data) != 4 || data[0] != binaryFrameMarker || data[1] != 1 || data[2] != 2 || data[3] != 3 {
		t.Fatalf("unexpected framed payload: %v", data)
	}
}

func TestHubShutdownClosesConnections(t *testing.T) {
	hub := NewHub(Options{
		Dispatcher: newFakeDispatcher(),
		Registrar:  &fakeRegistrar{},
		Logger:     logging.NewTestLogger(),
	})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _ := dialHub(t, server.URL, nil)
	defer conn.Close()

	hub.Shutdown()

	if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after Shutdown")
	}
}

func signTestToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(expires.Add(-time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
