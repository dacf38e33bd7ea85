package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/campaign-runner/internal/batch"
	"github.com/ahmethakanbesel/campaign-runner/internal/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

var (
	_ job.MetricsSink    = (*PrometheusSink)(nil)
	_ batch.MetricsSink  = (*PrometheusSink)(nil)
	_ submit.MetricsSink = (*PrometheusSink)(nil)
	_ job.MetricsSink    = NoopSink{}
	_ batch.MetricsSink  = NoopSink{}
	_ submit.MetricsSink = NoopSink{}
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterWithLabels(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if matchLabels(m.GetLabel(), labels) {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Jobs(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobFinished(job.StatusCompleted, 90*time.Second)
	sink.JobFinished(job.StatusCompleted, 30*time.Second)
	sink.JobFinished(job.StatusFailed, time.Second)
	sink.QueueDepth(4)

	assert.Equal(t, 2.0, counterWithLabels(t, reg, "campaign_jobs_finished_total", map[string]string{"status": "COMPLETED"}))
	assert.Equal(t, 1.0, counterWithLabels(t, reg, "campaign_jobs_finished_total", map[string]string{"status": "FAILED"}))

	depth := family(t, reg, "campaign_queue_depth")
	require.NotNil(t, depth)
	assert.Equal(t, 4.0, depth.GetMetric()[0].GetGauge().GetValue())

	hist := family(t, reg, "campaign_job_duration_seconds")
	require.NotNil(t, hist)
	assert.EqualValues(t, 3, hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusSink_UnitsAndTiers(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.UnitFinished(true, time.Second)
	sink.UnitFinished(false, 2*time.Second)
	sink.UnitFinished(true, time.Second)
	sink.BatchFinished(3, 4*time.Second)
	sink.TierAttempt(submit.TierFast, false)
	sink.TierAttempt(submit.TierAutomation, true)

	assert.Equal(t, 2.0, counterWithLabels(t, reg, "campaign_units_total", map[string]string{"outcome": "success"}))
	assert.Equal(t, 1.0, counterWithLabels(t, reg, "campaign_units_total", map[string]string{"outcome": "failure"}))
	assert.Equal(t, 1.0, counterWithLabels(t, reg, "campaign_tier_attempts_total", map[string]string{"tier": "fast", "result": "failure"}))
	assert.Equal(t, 1.0, counterWithLabels(t, reg, "campaign_tier_attempts_total", map[string]string{"tier": "automation", "result": "success"}))
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg)

	assert.NotPanics(t, func() {
		sink := NewPrometheusSink(reg)
		sink.UnitFinished(true, time.Millisecond)
	})
}
