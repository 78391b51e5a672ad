// Package metrics exposes Prometheus instrumentation for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "multichat"

// Metrics groups the collectors used by the reactor, the scheduler and the
// client.
type Metrics struct {
	ticks       *prometheus.CounterVec
	polls       *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	events      *prometheus.CounterVec
	sessions    prometheus.Gauge
	panics      *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in
// tests to avoid clashing with the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome (run, skipped, failed).",
		}, []string{"result"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Session polls by server and caller (reactor, scheduler).",
		}, []string{"server", "source"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "drains_rate_limited_total",
			Help:      "Server drains skipped because the server was polled too recently.",
		}, []string{"server"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Domain events applied to the chat store, by kind.",
		}, []string{"kind"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered server sessions.",
		}),
		panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_panics_total",
			Help:      "Panics recovered per component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) TickRun() {
	if m != nil {
		m.ticks.WithLabelValues("run").Inc()
	}
}

func (m *Metrics) TickSkipped() {
	if m != nil {
		m.ticks.WithLabelValues("skipped").Inc()
	}
}

func (m *Metrics) TickFailed() {
	if m != nil {
		m.ticks.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) Poll(server, source string) {
	if m != nil {
		m.polls.WithLabelValues(server, source).Inc()
	}
}

func (m *Metrics) RateLimited(server string) {
	if m != nil {
		m.rateLimited.WithLabelValues(server).Inc()
	}
}

func (m *Metrics) EventApplied(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) Panic(component string) {
	if m != nil {
		m.panics.WithLabelValues(component).Inc()
	}
}

// Ticks returns the tick counter for result, for tests and status output.
func (m *Metrics) Ticks(result string) prometheus.Counter {
	return m.ticks.WithLabelValues(result)
}

// Polls returns the poll counter for server and source.
func (m *Metrics) Polls(server, source string) prometheus.Counter {
	return m.polls.WithLabelValues(server, source)
}
