// Package metrics defines the Prometheus collectors exported on /metrics.
// All collectors are registered on a private registry so tests can construct
// isolated instances without global-state collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome label values.
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeRemoteErr  = "remote_error"
	OutcomeGatewayErr = "gateway_error"
	OutcomeCancelled  = "cancelled"
)

// Eviction reason label values.
const (
	ReasonTTL    = "ttl"
	ReasonLRU    = "lru"
	ReasonDelete = "delete"
)

// Metrics bundles every collector the broker exports.
// The zero value is not usable; create instances with New.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectedExecutors is the number of live executor channels.
	ConnectedExecutors prometheus.Gauge

	// RequestsInFlight counts commands currently awaiting an executor
	// response (streaming requests count until the stream closes).
	RequestsInFlight prometheus.Gauge

	// RequestsTotal counts dispatched commands by type and outcome.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes non-streaming round-trip latency by command.
	RequestDuration *prometheus.HistogramVec

	// CacheBytes is the total size of live cached blobs.
	CacheBytes prometheus.Gauge

	// CacheEntries is the number of live cache entries.
	CacheEntries prometheus.Gauge

	// EvictionsTotal counts destroyed entries by reason.
	EvictionsTotal *prometheus.CounterVec

	// ReplicationsTotal counts blob replications by outcome.
	ReplicationsTotal *prometheus.CounterVec

	// UploadSessions is the number of open upload sessions.
	UploadSessions prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on a fresh
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectedExecutors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geminiproxy_connected_executors",
			Help: "Number of live executor channels.",
		}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geminiproxy_requests_in_flight",
			Help: "Commands currently awaiting an executor response.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geminiproxy_requests_total",
			Help: "Dispatched commands by type and outcome.",
		}, []string{"command", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geminiproxy_request_duration_seconds",
			Help:    "Non-streaming command round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"command"}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geminiproxy_cache_bytes",
			Help: "Total size of live cached blobs in bytes.",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geminiproxy_cache_entries",
			Help: "Number of live cache entries.",
		}),
		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geminiproxy_evictions_total",
			Help: "Destroyed cache entries by reason.",
		}, []string{"reason"}),
		ReplicationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geminiproxy_replications_total",
			Help: "Blob replications to executors by outcome.",
		}, []string{"outcome"}),
		UploadSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geminiproxy_upload_sessions",
			Help: "Open resumable upload sessions.",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
