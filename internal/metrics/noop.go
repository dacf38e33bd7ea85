package metrics

import (
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/job"
)

// NoopSink discards everything. It is used when metrics are disabled.
type NoopSink struct{}

func (NoopSink) JobFinished(job.Status, time.Duration) {}
func (NoopSink) QueueDepth(int)                        {}
func (NoopSink) UnitFinished(bool, time.Duration)      {}
func (NoopSink) BatchFinished(int, time.Duration)      {}
func (NoopSink) TierAttempt(string, bool)              {}
