// Package metrics exposes the broker's Prometheus collectors: connected
// client counts, broadcast slice throughput, cache-build duration, and
// bandwidth-regulator drops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups every metric the broker registers, constructed once at
// startup and passed to whichever package emits the corresponding signal.
type Collectors struct {
	ConnectedClients prometheus.Gauge
	SlicesSent       prometheus.Counter
	SliceBytesSent   prometheus.Counter
	BandwidthDrops   prometheus.Counter
	CacheBuildTotal  *prometheus.CounterVec
	CacheBuildSeconds prometheus.Histogram
	ClientsEvicted   prometheus.Counter
	DispatchErrors   *prometheus.CounterVec
}

// New registers every collector against reg and returns the grouped handles.
// Pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simularium",
			Subsystem: "broker",
			Name:      "connected_clients",
			Help:      "Number of WebSocket clients currently registered.",
		}),
		SlicesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "broadcast",
			Name:      "slices_sent_total",
			Help:      "Total number of trajectory slices delivered to clients.",
		}),
		SliceBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "broadcast",
			Name:      "slice_bytes_sent_total",
			Help:      "Total bytes of trajectory slices delivered to clients.",
		}),
		BandwidthDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "broadcast",
			Name:      "bandwidth_drops_total",
			Help:      "Slice deliveries skipped because a client's bandwidth budget was exhausted.",
		}),
		CacheBuildTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "trajcache",
			Name:      "build_total",
			Help:      "Trajectory cache preparation outcomes by source.",
		}, []string{"source", "outcome"}),
		CacheBuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simularium",
			Subsystem: "trajcache",
			Name:      "build_seconds",
			Help:      "Time spent preparing a trajectory's binary cache.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ClientsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "broker",
			Name:      "clients_evicted_total",
			Help:      "Clients force-closed for missing too many heartbeats.",
		}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simularium",
			Subsystem: "router",
			Name:      "dispatch_errors_total",
			Help:      "Inbound message dispatch failures by msgType.",
		}, []string{"msg_type"}),
	}
}
