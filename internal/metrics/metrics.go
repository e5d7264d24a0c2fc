// Package metrics exposes lifecycle counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"

	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Metrics owns its registry so tests and multiple engines do not collide on
// the global one. A nil *Metrics records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	Transitions     *prometheus.CounterVec
	RollupWrites    *prometheus.CounterVec
	ConflictRetries prometheus.Counter
	Notifications   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phaseline",
			Name:      "transitions_total",
			Help:      "Phase transition requests by event type and outcome.",
		}, []string{"event", "outcome"}),
		RollupWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phaseline",
			Name:      "rollup_writes_total",
			Help:      "Ancestor rows rewritten by progress rollups, by level.",
		}, []string{"level"}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phaseline",
			Name:      "conflict_retries_total",
			Help:      "Operations retried after an optimistic version conflict.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phaseline",
			Name:      "notifications_total",
			Help:      "Notification deliveries by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.Transitions,
		m.RollupWrites,
		m.ConflictRetries,
		m.Notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Transition(event, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RollupWrite(level string) {
	if m == nil {
		return
	}
	m.RollupWrites.WithLabelValues(level).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *Metrics) Notification(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeDelivered
	if err != nil {
		outcome = OutcomeFailed
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
