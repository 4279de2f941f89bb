package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records orchestration outcomes for the settlement engine.
type SettlementMetrics struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	resumes  prometheus.Counter
}

// NewSettlementMetrics registers the settlement metrics on the provided registerer.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Duration of settlement orchestrations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outcomes_total",
		Help: "Settlement orchestration results by outcome code.",
	}, []string{"outcome"})
	resumes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_resumes_total",
		Help: "Settlements re-driven from a persisted step cursor.",
	})
	reg.MustRegister(duration, outcomes, resumes)
	return &SettlementMetrics{
		duration: duration,
		outcomes: outcomes,
		resumes:  resumes,
	}
}

// ObserveOutcome records one finished orchestration.
func (m *SettlementMetrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveResume counts a resume invocation.
func (m *SettlementMetrics) ObserveResume() {
	if m == nil || m.resumes == nil {
		return
	}
	m.resumes.Inc()
}
