// Package wire implements the WebSocket transport: origin checking, TLS
// identity loading, and the per-connection read/write pumps that hand
// inbound text frames to the orchestrator and deliver outbound text/binary
// frames from it.
package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"simularium/broker/internal/auth"
	"simularium/broker/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

// localHosts are always treated as an allowed origin for local dev
// workflows, mirroring the allowance every browser-facing WebSocket server
// in this corpus grants to loopback clients.
var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Dispatcher receives a decoded connection's inbound text frames and is
// notified when the connection closes.
type Dispatcher interface {
	Submit(uid string, payload []byte)
	Disconnect(uid string)
}

// Registrar allocates a UID for a newly upgraded connection.
type Registrar interface {
	Add() string
}

var upgrader = websocket.Upgrader{}

type client struct {
	uid  string
	conn *websocket.Conn
	send chan []byte
	log  *logging.Logger
}

// Hub accepts WebSocket connections, authenticates them, and runs each
// connection's read/write pumps. It satisfies orchestrator.Sender.
type Hub struct {
	dispatcher      Dispatcher
	registrar       Registrar
	verifier        *auth.HMACTokenVerifier
	maxPayloadBytes int64
	pingInterval    time.Duration
	maxClients      int
	log             *logging.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// Options configures a Hub.
type Options struct {
	Dispatcher      Dispatcher
	Registrar       Registrar
	Verifier        *auth.HMACTokenVerifier // nil disables authentication
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	Logger          *logging.Logger
}

// NewHub constructs a Hub ready to serve ServeHTTP.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	upgrader.CheckOrigin = buildOriginChecker(logger, opts.AllowedOrigins)
	return &Hub{
		dispatcher:      opts.Dispatcher,
		registrar:       opts.Registrar,
		verifier:        opts.Verifier,
		maxPayloadBytes: opts.MaxPayloadBytes,
		pingInterval:    opts.PingInterval,
		maxClients:      opts.MaxClients,
		log:             logger,
		clients:         make(map[string]*client),
	}
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("wire: ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}
	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("wire: rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("wire: rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// read/write pumps until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := h.log.With(logging.String("remote_addr", r.RemoteAddr))

	if h.verifier != nil {
		token := bearerToken(r)
		if token == "" {
			reqLogger.Warn("wire: rejecting connection: missing bearer token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := h.verifier.Verify(token); err != nil {
			reqLogger.Warn("wire: rejecting connection: invalid token", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if h.maxClients > 0 {
		h.mu.RLock()
		atCapacity := len(h.clients) >= h.maxClients
		h.mu.RUnlock()
		if atCapacity {
			reqLogger.Warn("wire: refusing connection: client limit reached", logging.Int("max_clients", h.maxClients))
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Error("wire: websocket upgrade failed", logging.Error(err))
		return
	}

	uid := h.registrar.Add()
	c := &client{uid: uid, conn: conn, send: make(chan []byte, 256), log: reqLogger.With(logging.String("client_id", uid))}

	h.mu.Lock()
	h.clients[uid] = c
	h.mu.Unlock()

	if h.maxPayloadBytes > 0 {
		conn.SetReadLimit(h.maxPayloadBytes)
	}

	waitDuration := time.Duration(pongWaitMultiplier) * h.pingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		c.log.Error("wire: failed to set initial read deadline", logging.Error(err))
		h.closeClient(c)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go h.writePump(c)
	h.readPump(c, waitDuration)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) readPump(c *client, waitDuration time.Duration) {
	defer h.closeClient(c)
	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("wire: read deadline exceeded", logging.Error(err))
			} else if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
				c.log.Warn("wire: closing connection due to oversized payload", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("wire: unexpected websocket close", logging.Error(err))
			} else {
				c.log.Debug("wire: read error", logging.Error(err))
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.log.Error("wire: failed to extend read deadline", logging.Error(err))
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Debug("wire: dropping non-text message")
			continue
		}
		h.dispatcher.Submit(c.uid, msg)
	}
}

func (h *Hub) writePump(c *client) {
	pingTicker := time.NewTicker(h.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("wire: failed to set write deadline", logging.Error(err))
				return
			}
			msgType := websocket.TextMessage
			if isBinaryFrame(msg) {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, msg); err != nil {
				c.log.Error("wire: write error", logging.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("wire: ping failure", logging.Error(err))
				return
			}
		}
	}
}

// binaryFrameMarker prefixes outbound binary frame slices so writePump's
// single send channel can multiplex both JSON text control messages and raw
// frame-slice payloads without a second channel per client.
const binaryFrameMarker = byte(0xF5)

func isBinaryFrame(msg []byte) bool {
	return len(msg) > 0 && msg[0] == binaryFrameMarker
}

func (h *Hub) closeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.uid]; ok {
		delete(h.clients, c.uid)
	}
	h.mu.Unlock()
	close(c.send)
	h.dispatcher.Disconnect(c.uid)
}

// SendText queues a JSON control message for delivery, satisfying
// orchestrator.Sender.
func (h *Hub) SendText(uid string, payload []byte) error {
	return h.enqueue(uid, payload)
}

// SendBinary queues a raw frame-slice payload for delivery, satisfying
// orchestrator.Sender and broadcast.Sender.
func (h *Hub) SendBinary(uid string, payload []byte) error {
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, binaryFrameMarker)
	framed = append(framed, payload...)
	return h.enqueue(uid, framed)
}

func (h *Hub) enqueue(uid string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[uid]
	h.mu.RUnlock()
	if !ok {
		return errUnknownClient
	}
	select {
	case c.send <- payload:
		return nil
	default:
		h.log.Warn("wire: send buffer saturated, dropping message", logging.String("client_id", uid))
		return nil
	}
}

var errUnknownClient = errors.New("wire: unknown client")

// Shutdown closes every open connection, used during cooperative server
// shutdown after the orchestrator's workers have stopped.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// LoadServerIdentity loads a TLS certificate/key pair, decrypting the key
// first when password is non-empty. Only legacy encrypted PEM blocks
// (Proc-Type: 4,ENCRYPTED) are decrypted; a PKCS#8 "ENCRYPTED PRIVATE KEY"
// block is passed through unchanged and rejected by tls.X509KeyPair.
func LoadServerIdentity(certPath, keyPath, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	if password != "" {
		keyPEM, err = decryptPEMKey(keyPEM, password)
		if err != nil {
			return tls.Certificate{}, err
		}
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// TLSConfig builds a server tls.Config using the Mozilla-Intermediate cipher
// suite set by default, or the Modern set when modern is true.
func TLSConfig(cert tls.Certificate, modern bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if modern {
		cfg.MinVersion = tls.VersionTLS13
		return cfg
	}
	cfg.CipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
	return cfg
}

// NewCertPool loads a PEM certificate bundle into an x509.CertPool, used
// when validating client certificates is required by a deployment.
func NewCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, errors.New("wire: no certificates parsed from pool file")
	}
	return pool, nil
}

// Context is a small convenience for callers that need a background context
// tied to server lifetime; kept here so main.go has a single import for
// both transport setup and shutdown wiring.
func Context() context.Context { return context.Background() }
