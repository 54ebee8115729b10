// Package metrics exposes prometheus collectors for the delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conduit"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsIngested     *prometheus.CounterVec
	executions         *prometheus.CounterVec
	deliveryAttempts   *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	rateLimitRejected  *prometheus.CounterVec
	livenessCorrected  *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
}

func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Inbound provider events by provider and outcome.",
		}, []string{"provider", "outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_executions_total",
			Help:      "Rule execution attempts by action type and result.",
		}, []string{"action_type", "result"}),
		deliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Attempts spent per outbound delivery.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10},
		}, []string{"action_type"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"from", "to"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter per endpoint class.",
		}, []string{"endpoint"}),
		livenessCorrected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_corrections_total",
			Help:      "Instances downgraded to disconnected by liveness evaluation.",
		}, []string{"source"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "liveness_sweep_duration_seconds",
			Help:      "Duration of liveness sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.eventsIngested,
			m.executions,
			m.deliveryAttempts,
			m.breakerTransitions,
			m.rateLimitRejected,
			m.livenessCorrected,
			m.sweepDuration,
		)
	}

	return m
}

func (m *Metrics) EventIngested(provider, outcome string) {
	if m == nil {
		return
	}

	m.eventsIngested.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Execution(actionType, result string) {
	if m == nil {
		return
	}

	m.executions.WithLabelValues(actionType, result).Inc()
}

func (m *Metrics) DeliveryAttempts(actionType string, attempts int) {
	if m == nil {
		return
	}

	m.deliveryAttempts.WithLabelValues(actionType).Observe(float64(attempts))
}

func (m *Metrics) BreakerTransition(from, to string) {
	if m == nil {
		return
	}

	m.breakerTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RateLimitRejected(endpoint string) {
	if m == nil {
		return
	}

	m.rateLimitRejected.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) LivenessCorrected(source string) {
	if m == nil {
		return
	}

	m.livenessCorrected.WithLabelValues(source).Inc()
}

func (m *Metrics) SweepDuration(seconds float64) {
	if m == nil {
		return
	}

	m.sweepDuration.Observe(seconds)
}
