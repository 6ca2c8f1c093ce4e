// Package metrics provides Prometheus metrics for Spartic.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "spartic"
)

// Metrics contains all Prometheus metrics for a Spartic router.
type Metrics struct {
	// Session lifecycle metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Key exchange metrics
	KeyExchangeLatency prometheus.Histogram
	KeysReceived       prometheus.Counter

	// Round metrics
	RoundsCompleted prometheus.Counter
	RoundLatency    prometheus.Histogram
	BlocksReceived  prometheus.Counter
	BlocksSent      prometheus.Counter

	// Peer-protocol error metrics (spec.md §7 surface 1)
	ProtocolErrors *prometheus.CounterVec

	// Outbound queue metrics
	QueueDepth *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered
// against the default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests can avoid colliding with the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running (key exchange complete)",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions created",
		}),
		KeyExchangeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_exchange_latency_seconds",
			Help:      "Histogram of time from session creation to all peer keys received",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		KeysReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_received_total",
			Help:      "Total number of peer key halves received",
		}),
		RoundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Total number of rounds whose result was recovered",
		}),
		RoundLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_latency_seconds",
			Help:      "Histogram of time from a round becoming current to its completion",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		BlocksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Total number of blocks accepted into a round",
		}),
		BlocksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_sent_total",
			Help:      "Total number of blocks enqueued for outbound delivery",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total peer-protocol errors queued, by kind",
		}, []string{"kind"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Current depth of a peer's outbound message queue",
		}, []string{"group_id"}),
	}
}

// RecordSessionCreated records a new session being created.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsTotal.Inc()
}

// RecordSessionRunning records a session transitioning SETUP -> RUNNING.
func (m *Metrics) RecordSessionRunning(latencySeconds float64) {
	m.SessionsActive.Inc()
	m.KeyExchangeLatency.Observe(latencySeconds)
}

// RecordKeyReceived records one peer key half being accepted.
func (m *Metrics) RecordKeyReceived() {
	m.KeysReceived.Inc()
}

// RecordRoundCompleted records a round's result being recovered.
func (m *Metrics) RecordRoundCompleted(latencySeconds float64) {
	m.RoundsCompleted.Inc()
	m.RoundLatency.Observe(latencySeconds)
}

// RecordBlockReceived records a block being accepted into a round.
func (m *Metrics) RecordBlockReceived() {
	m.BlocksReceived.Inc()
}

// RecordBlockSent records a block being enqueued for outbound delivery.
func (m *Metrics) RecordBlockSent() {
	m.BlocksSent.Inc()
}

// RecordProtocolError records a peer-protocol error by kind.
func (m *Metrics) RecordProtocolError(kind string) {
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// SetQueueDepth reports a peer's current outbound queue depth for a group.
func (m *Metrics) SetQueueDepth(groupID string, depth int) {
	m.QueueDepth.WithLabelValues(groupID).Set(float64(depth))
}
