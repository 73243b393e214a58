// Package metrics provides Prometheus metrics for the cpn-server daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cpn"

// Metrics contains every Prometheus metric the protocol engine updates.
// Re-scoped from the teacher's mesh/routing metrics (peers, streams,
// routes) to Capone's session/capability domain, using the same
// promauto-based construction pattern.
type Metrics struct {
	// Connections
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Handshake
	HandshakeSuccesses prometheus.Counter
	HandshakeFailures  *prometheus.CounterVec
	HandshakeLatency   prometheus.Histogram

	// Sessions
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsConsumed   prometheus.Counter
	SessionsTerminated prometheus.Counter
	SessionsRolledBack prometheus.Counter

	// Authorization
	ACLDenials         *prometheus.CounterVec
	CapabilityFailures *prometheus.CounterVec

	// Dispatch
	CommandsTotal       *prometheus.CounterVec
	CommandLatency      *prometheus.HistogramVec
	ServicePluginErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, backed by
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against
// prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, for tests that need an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently handled connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),

		HandshakeSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_successes_total",
			Help:      "Total number of successful handshakes",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed handshakes by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake completion latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently live in the store",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created by REQUEST",
		}),
		SessionsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_consumed_total",
			Help:      "Total number of sessions consumed by a successful CONNECT",
		}),
		SessionsTerminated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Total number of sessions removed by TERMINATE",
		}),
		SessionsRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rolled_back_total",
			Help:      "Total number of sessions rolled back after a failed REQUEST reply",
		}),

		ACLDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_denials_total",
			Help:      "Total number of ACL denials by command",
		}, []string{"command"}),
		CapabilityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_verification_failures_total",
			Help:      "Total number of capability verification failures by command",
		}, []string{"command"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands dispatched by type",
		}, []string{"command"}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Histogram of per-command dispatch latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"command"}),
		ServicePluginErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_plugin_errors_total",
			Help:      "Total number of errors returned by a service plugin's Serve call",
		}, []string{"service"}),
	}
}

// RecordConnectionOpen marks the start of a handled connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClose marks the end of a handled connection.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordHandshakeSuccess records a completed handshake and its latency.
func (m *Metrics) RecordHandshakeSuccess(seconds float64) {
	m.HandshakeSuccesses.Inc()
	m.HandshakeLatency.Observe(seconds)
}

// RecordHandshakeFailure records a handshake that failed for reason.
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

// RecordSessionCreated records a session added to the store by REQUEST.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionConsumed records a session removed by a successful CONNECT.
func (m *Metrics) RecordSessionConsumed() {
	m.SessionsActive.Dec()
	m.SessionsConsumed.Inc()
}

// RecordSessionTerminated records a session removed by TERMINATE.
func (m *Metrics) RecordSessionTerminated() {
	m.SessionsActive.Dec()
	m.SessionsTerminated.Inc()
}

// RecordSessionRolledBack records a session added then immediately removed
// because the REQUEST reply could not be delivered.
func (m *Metrics) RecordSessionRolledBack() {
	m.SessionsActive.Dec()
	m.SessionsRolledBack.Inc()
}

// RecordACLDenial records an ACL check that denied command.
func (m *Metrics) RecordACLDenial(command string) {
	m.ACLDenials.WithLabelValues(command).Inc()
}

// RecordCapabilityFailure records a capability verification failure
// encountered while handling command.
func (m *Metrics) RecordCapabilityFailure(command string) {
	m.CapabilityFailures.WithLabelValues(command).Inc()
}

// RecordCommand records one dispatched command and its latency.
func (m *Metrics) RecordCommand(command string, seconds float64) {
	m.CommandsTotal.WithLabelValues(command).Inc()
	m.CommandLatency.WithLabelValues(command).Observe(seconds)
}

// RecordServicePluginError records an error returned by a service plugin's
// Serve call.
func (m *Metrics) RecordServicePluginError(service string) {
	m.ServicePluginErrors.WithLabelValues(service).Inc()
}
