// Package batch executes a job's units in fixed-size batches. Units inside a
// batch run concurrently; progress is checkpointed after every batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
	"github.com/ahmethakanbesel/campaign-runner/internal/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/retry"
	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

const DefaultBatchSize = 10

var ErrMappingNotReady = errors.New("column mapping is not ready")

// ProgressStore persists batch checkpoints.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, id string, processed, success, failed int) error
}

// Checkpoint describes a job's counters right after a batch finished.
type Checkpoint struct {
	JobID     string    `json:"jobId"`
	Batch     int       `json:"batch"`
	Batches   int       `json:"batches"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}

// CheckpointSink receives checkpoints after they have been persisted.
type CheckpointSink interface {
	Publish(ctx context.Context, cp Checkpoint) error
}

// MetricsSink observes unit and batch outcomes. Methods must not block.
type MetricsSink interface {
	UnitFinished(success bool, d time.Duration)
	BatchFinished(size int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) UnitFinished(bool, time.Duration) {}
func (noopMetrics) BatchFinished(int, time.Duration) {}

// UnitPolicy is the default whole-order retry: two attempts two seconds apart.
func UnitPolicy() retry.Policy {
	return retry.Policy{Name: "unit", Attempts: 2, Backoff: retry.Constant(2 * time.Second)}
}

// Runner implements job.Executor.
type Runner struct {
	store        ProgressStore
	provider     submit.Provider
	batchSize    int
	unitPolicy   retry.Policy
	gen          *customer.Generator
	defaultPrice float64
	checkpoints  CheckpointSink
	metrics      MetricsSink
	now          func() time.Time
}

type Option func(*Runner)

func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithUnitPolicy(p retry.Policy) Option {
	return func(r *Runner) { r.unitPolicy = p }
}

func WithGenerator(g *customer.Generator) Option {
	return func(r *Runner) { r.gen = g }
}

func WithDefaultPrice(p float64) Option {
	return func(r *Runner) { r.defaultPrice = p }
}

func WithCheckpointSink(s CheckpointSink) Option {
	return func(r *Runner) { r.checkpoints = s }
}

func WithMetrics(m MetricsSink) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store ProgressStore, provider submit.Provider, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		provider:     provider,
		batchSize:    DefaultBatchSize,
		unitPolicy:   UnitPolicy(),
		defaultPrice: customer.DefaultPrice,
		metrics:      noopMetrics{},
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.gen == nil {
		r.gen = customer.NewGenerator(uint64(r.now().UnixNano()))
	}
	return r
}

// Execute runs every unit of j and fills its counters, results and success
// rate. A returned error is fatal to the job.
func (r *Runner) Execute(ctx context.Context, j *job.Job) error {
	resolver, err := r.resolver(j)
	if err != nil {
		return err
	}

	strategy, closer, err := r.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(closer, j.ID)

	batches := Partition(j.TotalCount, r.batchSize)
	results := make([]job.OrderOutcome, 0, j.TotalCount)
	defer func() {
		j.Results = results
		j.SuccessRate = successRate(j.SuccessCount, j.TotalCount)
	}()

	for bi, b := range batches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aborted after %d of %d orders: %w", j.ProcessedCount, j.TotalCount, err)
		}

		started := r.now()
		outcomes := r.runBatch(ctx, strategy, j, resolver, b)
		results = append(results, outcomes...)

		for _, o := range outcomes {
			if o.Status == job.OutcomeSuccess {
				j.SuccessCount++
			} else {
				j.FailedCount++
			}
		}
		j.ProcessedCount += len(outcomes)
		r.metrics.BatchFinished(len(outcomes), r.now().Sub(started))

		r.checkpoint(ctx, j, bi+1, len(batches))
	}
	return nil
}

func (r *Runner) resolver(j *job.Job) (*customer.Resolver, error) {
	price := r.defaultPrice
	if j.FixedPrice != nil {
		price = *j.FixedPrice
	}
	if j.Mode != job.ModeTabular {
		return customer.NewResolver(r.gen, nil, nil, price), nil
	}
	if j.Table == nil || j.Mapping == nil || !j.Mapping.Ready(j.Table.Headers) {
		return nil, ErrMappingNotReady
	}
	return customer.NewResolver(r.gen, j.Table, j.Mapping, price), nil
}

// runBatch runs the units of b concurrently and returns their outcomes in
// unit order.
func (r *Runner) runBatch(ctx context.Context, s submit.Strategy, j *job.Job, res *customer.Resolver, b Range) []job.OrderOutcome {
	records := make([]customer.Record, b.Len())
	for i := range records {
		records[i] = res.Resolve(b.Start + i)
		if j.FixedPrice != nil {
			records[i].Price = *j.FixedPrice
		}
	}

	outcomes := make([]job.OrderOutcome, len(records))
	var g errgroup.Group
	g.SetLimit(r.batchSize)
	for i, rec := range records {
		g.Go(func() error {
			outcomes[i] = r.runUnit(ctx, s, j.TargetURL, b.Start+i, rec)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) runUnit(ctx context.Context, s submit.Strategy, target string, index int, rec customer.Record) (out job.OrderOutcome) {
	started := r.now()
	out = job.OrderOutcome{Index: index, Name: rec.Name, Phone: rec.Phone, City: rec.City, Price: rec.Price}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("batch: unit panicked", "index", index, "panic", p)
			out.Status = job.OutcomeFailed
			out.Error = fmt.Sprintf("panic: %v", p)
		}
		out.Timestamp = r.now().UTC()
		r.metrics.UnitFinished(out.Status == job.OutcomeSuccess, r.now().Sub(started))
	}()

	var result submit.Result
	err := r.unitPolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		result = s.Submit(ctx, target, rec)
		if !result.Success && errors.Is(result.Err, submit.ErrSessionUnavailable) {
			slog.Warn("batch: session unavailable, retrying order", "index", index, "attempt", attempt)
			return result.Err
		}
		return nil
	})

	if result.Success {
		out.Status = job.OutcomeSuccess
		out.Channels = result.Channels
		return out
	}
	out.Status = job.OutcomeFailed
	switch {
	case result.Err != nil:
		out.Error = result.Err.Error()
	case err != nil:
		out.Error = err.Error()
	default:
		out.Error = "order failed"
	}
	return out
}

func (r *Runner) checkpoint(ctx context.Context, j *job.Job, batch, batches int) {
	if err := r.store.UpdateProgress(ctx, j.ID, j.ProcessedCount, j.SuccessCount, j.FailedCount); err != nil {
		slog.Error("batch: persist checkpoint", "job", j.ID, "batch", batch, "error", err)
	}
	slog.Info("batch: checkpoint", "job", j.ID, "batch", batch, "of", batches,
		"processed", j.ProcessedCount, "success", j.SuccessCount, "failed", j.FailedCount)

	if r.checkpoints == nil {
		return
	}
	cp := Checkpoint{
		JobID:     j.ID,
		Batch:     batch,
		Batches:   batches,
		Total:     j.TotalCount,
		Processed: j.ProcessedCount,
		Success:   j.SuccessCount,
		Failed:    j.FailedCount,
		At:        r.now().UTC(),
	}
	if err := r.checkpoints.Publish(ctx, cp); err != nil {
		slog.Warn("batch: publish checkpoint", "job", j.ID, "batch", batch, "error", err)
	}
}

// successRate is a percentage rounded to two decimals.
func successRate(success, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*10000) / 100
}

func closeQuietly(c io.Closer, jobID string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("batch: closing automation pool", "job", jobID, "error", err)
	}
}
