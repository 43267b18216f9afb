// Package httpapi exposes the broker's operational HTTP surface: liveness
// and readiness probes, Prometheus metrics, cumulative stats, and an admin
// endpoint to force a trajectory's cache to rebuild.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"simularium/broker/internal/logging"
	"simularium/broker/internal/registry"
	"simularium/broker/internal/router"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	Count() int
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative broadcast and client statistics.
type StatsFunc func() (slicesSent, clients int)

// ClientsProvider exposes per-client bookkeeping for /api/stats, letting
// dashboards see connection age and heartbeat freshness without scraping
// Prometheus.
type ClientsProvider interface {
	Snapshot() []*registry.ClientState
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// CacheRebuilder is the enqueue side of the FileIO worker's FIFO, used by
// the admin rebuild endpoint to force a trajectory's cache to be
// reprepared from scratch.
type CacheRebuilder interface {
	Enqueue(router.FileRequest)
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Clients     ClientsProvider
	Gatherer    prometheus.Gatherer
	Rebuilder   CacheRebuilder
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	clients     ClientsProvider
	gatherer    prometheus.Gatherer
	rebuilder   CacheRebuilder
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		clients:     opts.Clients,
		gatherer:    opts.Gatherer,
		rebuilder:   opts.Rebuilder,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(r *mux.Router) {
	if r == nil {
		return
	}
	r.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.StatsHandler()).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if h.rebuilder != nil {
		r.HandleFunc("/admin/cache/rebuild", h.CacheRebuildHandler()).Methods(http.MethodPost)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including connected client
// count and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.Count()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// clientStat is one client's entry in StatsHandler's per-client breakdown.
type clientStat struct {
	UID             string  `json:"uid"`
	SimID           string  `json:"sim_id,omitempty"`
	PlayState       string  `json:"play_state"`
	ConnectedAt     string  `json:"connected_at"`
	LastHeartbeatAt string  `json:"last_heartbeat_at"`
	IdleSeconds     float64 `json:"idle_seconds"`
}

// StatsHandler reports cumulative broadcast throughput, connected client
// counts, and (when a ClientsProvider is wired) a per-client breakdown of
// connection age and heartbeat freshness, for dashboards that do not scrape
// Prometheus.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type response struct {
		SlicesSent    int          `json:"slices_sent"`
		Clients       int          `json:"clients"`
		UptimeSeconds float64      `json:"uptime_seconds"`
		ClientDetail  []clientStat `json:"client_detail,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{}
		if h.stats != nil {
			resp.SlicesSent, resp.Clients = h.stats()
		} else if h.readiness != nil {
			resp.Clients = h.readiness.Count()
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
		}
		if h.clients != nil {
			now := h.now()
			for _, c := range h.clients.Snapshot() {
				resp.ClientDetail = append(resp.ClientDetail, clientStat{
					UID:             c.UID,
					SimID:           c.SimID,
					PlayState:       c.PlayState.String(),
					ConnectedAt:     c.ConnectedAt.UTC().Format(time.RFC3339Nano),
					LastHeartbeatAt: c.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
					IdleSeconds:     now.Sub(c.LastHeartbeatAt).Seconds(),
				})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CacheRebuildHandler authorises and enqueues a forced cache rebuild for a
// named trajectory, bypassing any already-cached binary.
func (h *HandlerSet) CacheRebuildHandler() http.HandlerFunc {
	type request struct {
		FileName string `json:"file_name"`
	}
	type response struct {
		Status   string `json:"status"`
		FileName string `json:"file_name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "cache_rebuild"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("cache rebuild denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("cache rebuild denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("cache rebuild denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.FileName) == "" {
			reqLogger.Warn("cache rebuild denied: invalid payload")
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		h.rebuilder.Enqueue(router.FileRequest{FileName: req.FileName, FrameNumber: -1})
		reqLogger.Info("cache rebuild enqueued", logging.String("file_name", req.FileName))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", FileName: req.FileName})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
