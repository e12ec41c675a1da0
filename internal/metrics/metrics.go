// Package metrics holds shellgate's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	CommandsProposed   *prometheus.CounterVec
	Decisions          *prometheus.CounterVec
	CommandsExecuted   *prometheus.CounterVec
	BackendErrors      *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	CommandDuration    prometheus.Histogram
	PolicyRequests     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CommandsProposed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_commands_proposed_total",
				Help: "Commands proposed by the backend, by risk level",
			},
			[]string{"risk"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_decisions_total",
				Help: "Gate decisions, by decision and method",
			},
			[]string{"decision", "method"},
		),
		CommandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_commands_executed_total",
				Help: "Executed commands, by final status",
			},
			[]string{"status"},
		),
		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_backend_errors_total",
				Help: "Backend stream errors, by backend",
			},
			[]string{"backend"},
		),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shellgate_audit_write_failures_total",
			Help: "Audit records that could not be written",
		}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellgate_command_duration_seconds",
			Help:    "Wall time of executed commands",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
		}),
		PolicyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_policy_requests_total",
				Help: "Policy service requests, by method and resulting risk",
			},
			[]string{"method", "risk"},
		),
	}
	reg.MustRegister(
		m.CommandsProposed,
		m.Decisions,
		m.CommandsExecuted,
		m.BackendErrors,
		m.AuditWriteFailures,
		m.CommandDuration,
		m.PolicyRequests,
	)
	return m
}

// ObserveCommand records a finished command. A nil receiver is a no-op so
// callers need not check whether metrics are enabled.
func (m *Metrics) ObserveCommand(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsExecuted.WithLabelValues(status).Inc()
	m.CommandDuration.Observe(d.Seconds())
}

// ObserveProposed counts a proposed command.
func (m *Metrics) ObserveProposed(risk string) {
	if m == nil {
		return
	}
	m.CommandsProposed.WithLabelValues(risk).Inc()
}

// ObserveDecision counts a gate decision.
func (m *Metrics) ObserveDecision(decision, method string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, method).Inc()
}

// ObserveBackendError counts a failed backend turn.
func (m *Metrics) ObserveBackendError(backend string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend).Inc()
}

// ObserveAuditFailure counts an audit write failure.
func (m *Metrics) ObserveAuditFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

// ObservePolicyRequest counts a policy service call.
func (m *Metrics) ObservePolicyRequest(method, risk string) {
	if m == nil {
		return
	}
	m.PolicyRequests.WithLabelValues(method, risk).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
