// Package metrics provides Prometheus metrics for the dose services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	DoseTransitions      *prometheus.CounterVec
	GuardRejections      prometheus.Counter
	MutationFailures     prometheus.Counter
	GivenTimeFallbacks   prometheus.Counter
	ScheduleRefreshes    *prometheus.CounterVec
	RefreshDuration      prometheus.Histogram
	PendingReminders     prometheus.Gauge
	DoseEventsPublished  prometheus.Counter
	DoseEventsConsumed   prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	StatusMutationsTotal *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DoseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_transitions_total",
			Help: "Dose status transitions applied, by target status",
		}, []string{"status"}),
		GuardRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_transition_guard_rejections_total",
			Help: "Transitions refused before reaching the backend",
		}),
		MutationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_mutation_failures_total",
			Help: "Dose status mutations rejected or failed at the backend",
		}),
		GivenTimeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_given_time_fallbacks_total",
			Help: "Successful mutations whose response carried no given time",
		}),
		ScheduleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_refreshes_total",
			Help: "Schedule reloads by trigger and result",
		}, []string{"trigger", "result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schedule_refresh_duration_seconds",
			Help:    "Duration of a reminder read and regroup",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		PendingReminders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schedule_pending_reminders",
			Help: "Pending reminders on the current date",
		}),
		DoseEventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_events_published_total",
			Help: "Dose events published to Redpanda",
		}),
		DoseEventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_events_consumed_total",
			Help: "Dose events consumed from Redpanda",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		StatusMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_status_mutations_total",
			Help: "Dose status mutations served, by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.DoseTransitions,
		m.GuardRejections,
		m.MutationFailures,
		m.GivenTimeFallbacks,
		m.ScheduleRefreshes,
		m.RefreshDuration,
		m.PendingReminders,
		m.DoseEventsPublished,
		m.DoseEventsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.StatusMutationsTotal,
	)

	return m
}

// ObserveTransition counts an applied transition
func (m *Metrics) ObserveTransition(status string, fallback bool) {
	if m == nil {
		return
	}
	m.DoseTransitions.WithLabelValues(status).Inc()
	if fallback {
		m.GivenTimeFallbacks.Inc()
	}
}

// ObserveGuardRejection counts a refused transition
func (m *Metrics) ObserveGuardRejection() {
	if m == nil {
		return
	}
	m.GuardRejections.Inc()
}

// ObserveMutationFailure counts a backend failure
func (m *Metrics) ObserveMutationFailure() {
	if m == nil {
		return
	}
	m.MutationFailures.Inc()
}

// ObserveRefresh records one schedule reload
func (m *Metrics) ObserveRefresh(trigger string, err error, took time.Duration, pending int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ScheduleRefreshes.WithLabelValues(trigger, result).Inc()
	m.RefreshDuration.Observe(took.Seconds())
	if err == nil {
		m.PendingReminders.Set(float64(pending))
	}
}

// ObserveStatusMutation counts a mutation served by the dose API
func (m *Metrics) ObserveStatusMutation(result string) {
	if m == nil {
		return
	}
	m.StatusMutationsTotal.WithLabelValues(result).Inc()
}

// ObserveEventPublished counts a dose event written to a topic
func (m *Metrics) ObserveEventPublished() {
	if m == nil {
		return
	}
	m.DoseEventsPublished.Inc()
}

// ObserveEventConsumed counts a dose event read from a topic
func (m *Metrics) ObserveEventConsumed() {
	if m == nil {
		return
	}
	m.DoseEventsConsumed.Inc()
}

// SetOutboxPending sets the outbox backlog gauge
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
