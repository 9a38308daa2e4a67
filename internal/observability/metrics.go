// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stream metrics
	NotificationsReceived *prometheus.CounterVec
	Reconnects            *prometheus.CounterVec
	TerminalFailures      *prometheus.CounterVec
	ActiveSubscriptions   prometheus.Gauge

	// Classification metrics
	EventsPublished   *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	ExtractionDrops   *prometheus.CounterVec
	PairsDeduplicated prometheus.Counter

	// Latency metrics
	RPCCallLatency *prometheus.HistogramVec

	// Health metrics
	BusHealthy prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg registers on the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "raydium_pair_stream"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Stream metrics
		NotificationsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "notifications_received_total",
			Help:      "Total number of log notifications received by subscription role",
		}, []string{"role"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts by subscription role",
		}, []string{"role"}),
		TerminalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "terminal_failures_total",
			Help:      "Total number of subscriptions that gave up reconnecting",
		}, []string{"role"}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_swap_subscriptions",
			Help:      "Current number of live per-pair swap subscriptions",
		}),

		// Classification metrics
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "events_published_total",
			Help:      "Total number of events published by type",
		}, []string{"event_type"}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "publish_errors_total",
			Help:      "Total number of failed publishes by type",
		}, []string{"event_type"}),
		ExtractionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "dropped_notifications_total",
			Help:      "Total number of notifications dropped without an event by reason",
		}, []string{"reason"}),
		PairsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "pairs_deduplicated_total",
			Help:      "Total number of repeated pool creations suppressed",
		}),

		// Latency metrics
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Health metrics
		BusHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "bus_healthy",
			Help:      "1 when the last pub/sub ping succeeded, 0 otherwise",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordNotification counts a notification received on a subscription.
func RecordNotification(role string) {
	DefaultMetrics.NotificationsReceived.WithLabelValues(role).Inc()
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect(role string) {
	DefaultMetrics.Reconnects.WithLabelValues(role).Inc()
}

// RecordTerminalFailure counts a subscription that exhausted its reconnects.
func RecordTerminalFailure(role string) {
	DefaultMetrics.TerminalFailures.WithLabelValues(role).Inc()
}

// SetActiveSubscriptions sets the live swap subscription gauge.
func SetActiveSubscriptions(n int) {
	DefaultMetrics.ActiveSubscriptions.Set(float64(n))
}

// RecordEventPublished counts a published event.
func RecordEventPublished(eventType string) {
	DefaultMetrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordPublishError counts a failed publish.
func RecordPublishError(eventType string) {
	DefaultMetrics.PublishErrors.WithLabelValues(eventType).Inc()
}

// RecordExtractionDrop counts a notification that produced no event.
func RecordExtractionDrop(reason string) {
	DefaultMetrics.ExtractionDrops.WithLabelValues(reason).Inc()
}

// RecordPairDeduplicated counts a suppressed repeat pool creation.
func RecordPairDeduplicated() {
	DefaultMetrics.PairsDeduplicated.Inc()
}

// SetBusHealthy updates the bus health gauge.
func SetBusHealthy(healthy bool) {
	if healthy {
		DefaultMetrics.BusHealthy.Set(1)
		return
	}
	DefaultMetrics.BusHealthy.Set(0)
}
