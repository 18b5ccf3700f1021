package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Realtime connection metrics
	ConnectionState   *prometheus.GaugeVec
	ConnectAttempts   *prometheus.CounterVec
	ActiveConnections prometheus.Gauge

	// Event registry metrics
	EventsDispatched *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// Backend REST metrics
	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	// Notification store metrics
	NotificationFetches   *prometheus.CounterVec
	NotificationRollbacks *prometheus.CounterVec

	// Session metrics
	ActiveSessions prometheus.Gauge

	// Relay metrics
	RelayPublished *prometheus.CounterVec
	RelayFailed    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
	HTTPErrors          *prometheus.CounterVec
}

// New creates all application metrics and registers them with reg.
// A nil reg leaves the collectors unregistered, which is what tests want.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Number of realtime connections per state",
		}, []string{"state"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connect_attempts_total",
			Help:      "Total number of realtime connect attempts",
		}, []string{"result"}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Current number of live realtime connections",
		}),

		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Total number of push events delivered to subscribers",
		}, []string{"tag"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of push events dropped before delivery",
		}, []string{"reason"}),

		BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of REST calls to the backend",
		}, []string{"operation", "status"}),
		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Duration of REST calls to the backend",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "breaker_open",
			Help:      "1 while the backend circuit breaker is open",
		}, []string{"name"}),

		NotificationFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "fetches_total",
			Help:      "Total number of notification page fetches",
		}, []string{"kind", "status"}),
		NotificationRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "rollbacks_total",
			Help:      "Total number of optimistic changes reverted after a failed REST call",
		}, []string{"action"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Current number of live portal sessions",
		}),

		RelayPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total number of push events republished to the broker",
		}, []string{"tag"}),
		RelayFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "failed_total",
			Help:      "Total number of push events the relay failed to publish",
		}, []string{"tag"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
		}, []string{"method", "path", "status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "path", "type"}),
	}
}
