package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the leave workflow.
// Tracks committed transitions, lost version races, overdue scans and
// event delivery.
type Metrics struct {
	RequestsCreated     prometheus.Counter
	Transitions         *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	VersionConflicts    prometheus.Counter
	ApplyDuration       prometheus.Histogram
	OverdueScans        *prometheus.CounterVec
	OverdueEscalated    prometheus.Counter
	OverdueScanDuration prometheus.Histogram
	EventsPublished     prometheus.Counter
	EventsDropped       *prometheus.CounterVec
	EventBreakerOpen    prometheus.Gauge
	OutboxFailures      prometheus.Counter
}

// New registers the leave metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "careleave_requests_created_total",
			Help: "Total number of leave requests created",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careleave_transitions_total",
			Help: "Committed state transitions by action and target state",
		}, []string{"action", "to_state"}),
		TransitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careleave_transitions_rejected_total",
			Help: "Refused actions by action and error code",
		}, []string{"action", "code"}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "careleave_version_conflicts_total",
			Help: "Transitions that lost an optimistic concurrency race",
		}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "careleave_apply_action_duration_seconds",
			Help:    "Duration of ApplyAction including persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		OverdueScans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careleave_overdue_scans_total",
			Help: "Overdue scans by outcome (completed, skipped, failed)",
		}, []string{"outcome"}),
		OverdueEscalated: f.NewCounter(prometheus.CounterOpts{
			Name: "careleave_overdue_escalations_total",
			Help: "Requests escalated to overdue by the monitor",
		}),
		OverdueScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "careleave_overdue_scan_duration_seconds",
			Help:    "Duration of one overdue scan",
			Buckets: prometheus.DefBuckets,
		}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "careleave_events_published_total",
			Help: "Transition events acknowledged by the broker",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careleave_events_dropped_total",
			Help: "Transition events not delivered, by reason (error, circuit_open)",
		}, []string{"reason"}),
		EventBreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "careleave_events_circuit_breaker_state",
			Help: "Event publisher circuit state (0=closed/healthy, 1=open/unhealthy)",
		}),
		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "careleave_outbox_relay_failures_total",
			Help: "Outbox relay passes that stopped on a delivery failure",
		}),
	}
}

// IncRequestsCreated records a created leave request.
func (m *Metrics) IncRequestsCreated() {
	m.RequestsCreated.Inc()
}

// IncTransition records a committed transition.
func (m *Metrics) IncTransition(action, toState string) {
	m.Transitions.WithLabelValues(action, toState).Inc()
}

// IncRejected records an action refused with the given domain error code.
func (m *Metrics) IncRejected(action, code string) {
	m.TransitionsRejected.WithLabelValues(action, code).Inc()
}

func (m *Metrics) IncVersionConflict() {
	m.VersionConflicts.Inc()
}

// ObserveApply records the duration of an ApplyAction call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveApply(start time.Time) {
	m.ApplyDuration.Observe(time.Since(start).Seconds())
}

// ObserveScan records one scan outcome and, when it ran, its duration.
func (m *Metrics) ObserveScan(outcome string, start time.Time, escalated int) {
	m.OverdueScans.WithLabelValues(outcome).Inc()
	if outcome == "skipped" {
		return
	}
	m.OverdueScanDuration.Observe(time.Since(start).Seconds())
	m.OverdueEscalated.Add(float64(escalated))
}

func (m *Metrics) IncEventsPublished() {
	m.EventsPublished.Inc()
}

// IncEventsDropped records an undelivered event.
func (m *Metrics) IncEventsDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// SetEventBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetEventBreakerState(open bool) {
	if open {
		m.EventBreakerOpen.Set(1)
	} else {
		m.EventBreakerOpen.Set(0)
	}
}

// IncOutboxFailure records a relay pass cut short; its rows are retried.
func (m *Metrics) IncOutboxFailure() {
	m.OutboxFailures.Inc()
}
