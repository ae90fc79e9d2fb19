// Package metrics exposes Prometheus instrumentation for the swarm engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the swarm collectors. All metrics are prefixed "swarm_".
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls      *prometheus.CounterVec
	ToolAttempts   *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
	Approvals      *prometheus.CounterVec
	PendingGauge   prometheus.Gauge
	Handoffs       *prometheus.CounterVec
	Steps          *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	EventsDropped  prometheus.Counter
	Events         *prometheus.CounterVec
	Duplicates     prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_tool_calls_total",
			Help: "Tool invocations by tool and final outcome.",
		}, []string{"tool", "outcome"}),
		ToolAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_tool_attempts_total",
			Help: "Individual tool execution attempts, including retries.",
		}, []string{"tool"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarm_tool_duration_seconds",
			Help:    "Wall time of a tool invocation across all attempts.",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 180, 600},
		}, []string{"tool"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarm_breaker_state",
			Help: "Circuit breaker state per tool (0 closed, 1 half-open, 2 open).",
		}, []string{"tool"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_approvals_total",
			Help: "Approval requests by final status.",
		}, []string{"status"}),
		PendingGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_approvals_pending",
			Help: "Approval requests currently awaiting a decision.",
		}),
		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_handoffs_total",
			Help: "Handoffs by result (accepted or rejected).",
		}, []string{"result"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_steps_total",
			Help: "Router steps by decision kind.",
		}, []string{"kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_sessions_active",
			Help: "Sessions whose run loop has not finished.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "swarm_events_dropped_total",
			Help: "Events discarded because a subscriber queue was full.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_events_total",
			Help: "Events recorded by the session pipeline, by kind.",
		}, []string{"kind"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "swarm_events_duplicate_total",
			Help: "Messages dropped by the pipeline because their identity was already seen.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTool(tool, outcome string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolAttempts.WithLabelValues(tool).Add(float64(attempts))
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(tool string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(tool).Set(float64(state))
}

func (m *Metrics) ApprovalOpened() {
	if m == nil {
		return
	}
	m.PendingGauge.Inc()
}

func (m *Metrics) ApprovalClosed(status string) {
	if m == nil {
		return
	}
	m.PendingGauge.Dec()
	m.Approvals.WithLabelValues(status).Inc()
}

func (m *Metrics) Handoff(accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.Handoffs.WithLabelValues(result).Inc()
}

func (m *Metrics) Step(kind string) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionsActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) EventRecorded(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}
