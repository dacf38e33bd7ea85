// Package metrics exposes runner activity to Prometheus. Every sink method is
// non-blocking and never fails.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahmethakanbesel/campaign-runner/internal/job"
)

// PrometheusSink implements the metrics sinks of the job, batch and submit
// packages. Registration errors are logged, never propagated.
type PrometheusSink struct {
	// Dispatcher
	jobsFinishedTotal *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	queueDepth        prometheus.Gauge

	// Batch runner
	unitsTotal    *prometheus.CounterVec
	unitDuration  prometheus.Histogram
	batchDuration prometheus.Histogram

	// Submission tiers
	tierAttemptsTotal *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initDispatcherMetrics(reg)
	s.initBatchMetrics(reg)
	s.initSubmitMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_jobs_finished_total",
		Help: "Total number of jobs that reached a final status.",
	}, []string{"status"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_job_duration_seconds",
		Help:    "Wall time of finished jobs in seconds.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_queue_depth",
		Help: "Number of jobs waiting in the queue.",
	})

	s.register(reg, s.jobsFinishedTotal, "campaign_jobs_finished_total")
	s.register(reg, s.jobDuration, "campaign_job_duration_seconds")
	s.register(reg, s.queueDepth, "campaign_queue_depth")
}

func (s *PrometheusSink) initBatchMetrics(reg prometheus.Registerer) {
	s.unitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_units_total",
		Help: "Total number of orders processed, by outcome.",
	}, []string{"outcome"})
	s.unitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_unit_duration_seconds",
		Help:    "Time to process one order including retries.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	s.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_batch_duration_seconds",
		Help:    "Time to process one batch of orders.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	s.register(reg, s.unitsTotal, "campaign_units_total")
	s.register(reg, s.unitDuration, "campaign_unit_duration_seconds")
	s.register(reg, s.batchDuration, "campaign_batch_duration_seconds")
}

func (s *PrometheusSink) initSubmitMetrics(reg prometheus.Registerer) {
	s.tierAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_tier_attempts_total",
		Help: "Total number of submission attempts per tier and result.",
	}, []string{"tier", "result"})

	s.register(reg, s.tierAttemptsTotal, "campaign_tier_attempts_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) JobFinished(status job.Status, d time.Duration) {
	s.jobsFinishedTotal.WithLabelValues(string(status)).Inc()
	s.jobDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) QueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

func (s *PrometheusSink) UnitFinished(success bool, d time.Duration) {
	s.unitsTotal.WithLabelValues(outcome(success)).Inc()
	s.unitDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) BatchFinished(_ int, d time.Duration) {
	s.batchDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) TierAttempt(tier string, success bool) {
	s.tierAttemptsTotal.WithLabelValues(tier, outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
