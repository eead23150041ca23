package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Decisions counts evaluator outcomes by action kind, verdict and reason
	Decisions *prometheus.CounterVec

	// CapacityRejections counts queue_full and duplicate_submission rejections
	CapacityRejections *prometheus.CounterVec

	// QueueDepth is the number of jobs waiting in the execution queue
	QueueDepth prometheus.Gauge

	// JobDuration observes dispatch-to-terminal time by tool and final status
	JobDuration *prometheus.HistogramVec

	// JobTransitions counts terminal transitions by status and reason
	JobTransitions *prometheus.CounterVec

	// AuditFailures counts audit writes that did not reach the store
	AuditFailures prometheus.Counter

	// BreakerState is 0 closed, 1 half-open, 2 open per tool
	BreakerState *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg gets a private registry
// that is never exposed.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_decisions_total",
			Help: "Policy decisions by action kind, verdict and reason.",
		}, []string{"kind", "verdict", "reason"}),

		CapacityRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_capacity_rejections_total",
			Help: "Submissions rejected for capacity reasons.",
		}, []string{"reason"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Jobs currently waiting in the execution queue.",
		}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Time from dispatch to terminal state.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool", "status"}),

		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_job_terminal_total",
			Help: "Terminal job transitions by status and reason.",
		}, []string{"status", "reason"}),

		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_audit_failures_total",
			Help: "Audit writes that failed.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tool_circuit_breaker_state",
			Help: "Circuit breaker state per tool (0=closed, 1=half-open, 2=open).",
		}, []string{"tool"}),
	}
}

// RecordDecision counts one evaluator decision
func (m *Metrics) RecordDecision(kind, verdict, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind, verdict, reason).Inc()
}

// RecordCapacityRejection counts one capacity rejection
func (m *Metrics) RecordCapacityRejection(reason string) {
	if m == nil {
		return
	}
	m.CapacityRejections.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the current queue length
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordTerminal counts a terminal transition and, when the job ran, its duration
func (m *Metrics) RecordTerminal(tool, status, reason string, ran time.Duration) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status, reason).Inc()
	if ran > 0 {
		m.JobDuration.WithLabelValues(tool, status).Observe(ran.Seconds())
	}
}

// RecordAuditFailure counts a failed audit write
func (m *Metrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

// BreakerStateChanged is shaped to plug into tools.ReliabilityConfig.OnStateChange
func (m *Metrics) BreakerStateChanged(tool string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(tool).Set(v)
}
