// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the relay exports. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	// ActiveConnections is the number of OPEN connections in the registry.
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal counts connection lifecycle transitions.
	// Labels: outcome (bound|rejected|evicted)
	ConnectionsTotal *prometheus.CounterVec

	// EventsTotal counts emitted run events.
	// Labels: type, outcome (delivered|no_connection|partial|failed|dropped_terminal|encode_error)
	EventsTotal *prometheus.CounterVec

	// DeliveryFailures counts per-connection enqueue failures.
	// Labels: reason (timeout|closed|cancelled)
	DeliveryFailures *prometheus.CounterVec

	// RunsTotal counts runs by terminal state.
	// Labels: state
	RunsTotal *prometheus.CounterVec

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns prometheus.Gauge

	// RunDuration measures run wall time in seconds.
	// Labels: state
	RunDuration *prometheus.HistogramVec

	// ToolInvocations counts tool calls.
	// Labels: tool, status (COMPLETED|FAILED), code
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// InboundMessages counts client frames.
	// Labels: type, outcome (accepted|invalid|rate_limited)
	InboundMessages *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "gogo_active_connections",
			Help: "Number of open client connections",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_connections_total",
			Help: "Connection lifecycle transitions by outcome",
		}, []string{"outcome"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_events_total",
			Help: "Run events emitted by type and delivery outcome",
		}, []string{"type", "outcome"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_delivery_failures_total",
			Help: "Per-connection delivery failures by reason",
		}, []string{"reason"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_runs_total",
			Help: "Finished runs by terminal state",
		}, []string{"state"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "gogo_active_runs",
			Help: "Number of runs currently executing",
		}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gogo_run_duration_seconds",
			Help:    "Run wall time in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"state"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_tool_invocations_total",
			Help: "Tool invocations by tool, status and error code",
		}, []string{"tool", "status", "code"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gogo_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gogo_inbound_messages_total",
			Help: "Client frames by type and outcome",
		}, []string{"type", "outcome"}),
	}
}

// ConnectionBound records a newly registered connection.
func (m *Metrics) ConnectionBound() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.WithLabelValues("bound").Inc()
}

// ConnectionRejected records a handshake that never reached the registry.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("rejected").Inc()
}

// ConnectionEvicted records a connection leaving the registry.
func (m *Metrics) ConnectionEvicted() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ConnectionsTotal.WithLabelValues("evicted").Inc()
}

// EventEmitted records one event and how its delivery went.
func (m *Metrics) EventEmitted(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// DeliveryFailed records one failed per-connection enqueue.
func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(reason).Inc()
}

// RunStarted records a run entering execution.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records a run reaching a terminal state.
func (m *Metrics) RunFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ToolInvoked records one tool call attempt.
func (m *Metrics) ToolInvoked(tool, status, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, status, code).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Inbound records one client frame.
func (m *Metrics) Inbound(msgType, outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(msgType, outcome).Inc()
}
