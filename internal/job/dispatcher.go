package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/campaign-runner/internal/apperror"
)

// Executor runs a claimed job to completion. It fills the job's counters and
// results; the Dispatcher owns the status.
type Executor interface {
	Execute(ctx context.Context, j *Job) error
}

// MetricsSink observes dispatcher activity. Methods must not block.
type MetricsSink interface {
	JobFinished(status Status, d time.Duration)
	QueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) JobFinished(Status, time.Duration) {}
func (noopMetrics) QueueDepth(int)                    {}

const (
	interruptedReason = "interrupted: process restarted while the job was running"

	defaultStartRetryDelay = 5 * time.Second
)

// errStartDeferred reports that a job went back to the head of the queue
// because the store could not mark it RUNNING.
var errStartDeferred = errors.New("job start deferred")

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	QueueLength  int    `json:"queueLength"`
	RunningJobID string `json:"runningJobId,omitempty"`
}

// Dispatcher runs submitted jobs one at a time in FIFO order. At most one job
// is RUNNING per Dispatcher.
type Dispatcher struct {
	repo       Repository
	exec       Executor
	metrics    MetricsSink
	now        func() time.Time
	retryDelay time.Duration

	mu      sync.Mutex
	queue   []*Job
	running string
	notify  chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithMetrics(m MetricsSink) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithStartRetryDelay sets how long a job whose RUNNING write failed waits at
// the head of the queue before the next attempt.
func WithStartRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

func NewDispatcher(repo Repository, exec Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		repo:       repo,
		exec:       exec,
		metrics:    noopMetrics{},
		now:        time.Now,
		retryDelay: defaultStartRetryDelay,
		notify:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit persists j as PENDING and appends it to the queue.
func (d *Dispatcher) Submit(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.Status != StatusPending {
		return apperror.New(apperror.PreconditionFailed, fmt.Sprintf("cannot submit a %s job", j.Status))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	} else {
		if d.indexLocked(j.ID) >= 0 || d.running == j.ID {
			return apperror.New(apperror.PreconditionFailed, "job already submitted")
		}
		if _, err := d.repo.Get(ctx, j.ID); err == nil {
			return apperror.New(apperror.PreconditionFailed, "job already submitted")
		} else if !apperror.Is(err, apperror.NotFound) {
			return err
		}
	}
	j.CreatedAt = d.now().UTC()

	if err := d.repo.Create(ctx, j); err != nil {
		return err
	}
	queued := *j
	d.queue = append(d.queue, &queued)
	d.metrics.QueueDepth(len(d.queue))
	d.Notify()

	slog.Info("dispatcher: job queued", "job", j.ID, "total", j.TotalCount, "position", len(d.queue))
	return nil
}

// Cancel cancels a job that is still waiting in the queue.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.indexLocked(id)
	if idx < 0 {
		if d.running == id {
			return nil, apperror.New(apperror.PreconditionFailed, "job is running and cannot be cancelled")
		}
		j, err := d.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperror.New(apperror.PreconditionFailed, fmt.Sprintf("cannot cancel a %s job", j.Status))
	}

	j := d.queue[idx]
	cancelled := *j
	if err := cancelled.TransitionTo(StatusCancelled); err != nil {
		return nil, err
	}
	now := d.now().UTC()
	cancelled.CompletedAt = &now
	if err := d.repo.Update(ctx, &cancelled); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			return nil, apperror.New(apperror.PreconditionFailed, "job is no longer pending")
		}
		return nil, err
	}
	*j = cancelled
	d.queue = slices.Delete(d.queue, idx, idx+1)
	d.metrics.QueueDepth(len(d.queue))

	slog.Info("dispatcher: job cancelled", "job", id)
	return &cancelled, nil
}

// QueuePosition returns the 1-based position of a queued job.
func (d *Dispatcher) QueuePosition(id string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.indexLocked(id)
	if idx < 0 {
		return 0, false
	}
	return idx + 1, true
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{QueueLength: len(d.queue), RunningJobID: d.running}
}

// Notify wakes the run loop. Non-blocking.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Recover restores the queue after a restart: jobs that were RUNNING are
// failed and PENDING jobs are re-queued in creation order.
func (d *Dispatcher) Recover(ctx context.Context) error {
	n, err := d.repo.RecoverStale(ctx, interruptedReason)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Warn("dispatcher: failed interrupted jobs", "count", n)
	}

	pending, err := d.repo.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	d.mu.Lock()
	for i := range pending {
		if d.indexLocked(pending[i].ID) >= 0 {
			continue
		}
		d.queue = append(d.queue, &pending[i])
	}
	depth := len(d.queue)
	d.mu.Unlock()

	if len(pending) > 0 {
		slog.Info("dispatcher: re-queued pending jobs", "count", len(pending))
	}
	d.metrics.QueueDepth(depth)
	d.Notify()
	return nil
}

// Run processes queued jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		j := d.next()
		if j == nil {
			return
		}
		if err := d.start(ctx, j); err != nil {
			if errors.Is(err, errStartDeferred) {
				return
			}
			continue
		}
		d.execute(ctx, j)
	}
}

// next pops the head of the queue and marks it as the running job.
func (d *Dispatcher) next() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	j := d.queue[0]
	d.queue = d.queue[1:]
	d.running = j.ID
	d.metrics.QueueDepth(len(d.queue))
	return j
}

// start persists j as RUNNING. When the store write fails, j either goes
// back to the head of the queue for a later attempt or, if the store says it
// is no longer pending, is dropped.
func (d *Dispatcher) start(ctx context.Context, j *Job) error {
	running := *j
	err := running.TransitionTo(StatusRunning)
	if err == nil {
		startedAt := d.now().UTC()
		running.StartedAt = &startedAt
		err = d.repo.Update(ctx, &running)
	}
	if err == nil {
		*j = running
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = ""

	if errors.Is(err, ErrStatusTransitionDenied) || apperror.Is(err, apperror.NotFound) ||
		apperror.Is(err, apperror.PreconditionFailed) {
		d.metrics.QueueDepth(len(d.queue))
		slog.Warn("dispatcher: dropping job that is no longer pending", "job", j.ID, "error", err)
		return err
	}

	d.queue = slices.Insert(d.queue, 0, j)
	d.metrics.QueueDepth(len(d.queue))
	time.AfterFunc(d.retryDelay, d.Notify)
	slog.Error("dispatcher: mark running, job re-queued", "job", j.ID, "retry_in", d.retryDelay, "error", err)
	return errStartDeferred
}

func (d *Dispatcher) execute(ctx context.Context, j *Job) {
	defer func() {
		d.mu.Lock()
		d.running = ""
		d.mu.Unlock()
	}()

	slog.Info("dispatcher: processing job", "job", j.ID, "target", j.TargetURL, "total", j.TotalCount)

	err := d.run(ctx, j)

	start := *j.StartedAt
	end := d.now().UTC()
	dur := int64(end.Sub(start) / time.Second)
	final := StatusCompleted
	if err != nil {
		final = StatusFailed
		j.Error = err.Error()
	}
	if terr := j.TransitionTo(final); terr != nil {
		slog.Error("dispatcher: finalize job", "job", j.ID, "error", terr)
		return
	}
	j.CompletedAt = &end
	j.Duration = &dur

	// The final write must land even when shutdown cancelled ctx.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if uerr := d.repo.Update(wctx, j); uerr != nil {
		slog.Error("dispatcher: finalize job", "job", j.ID, "status", j.Status, "error", uerr)
	}
	d.metrics.JobFinished(j.Status, end.Sub(start))

	if err != nil {
		slog.Error("dispatcher: job failed", "job", j.ID, "error", err)
		return
	}
	slog.Info("dispatcher: job completed", "job", j.ID,
		"success", j.SuccessCount, "failed", j.FailedCount, "duration_s", dur)
}

func (d *Dispatcher) run(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return d.exec.Execute(ctx, j)
}

func (d *Dispatcher) indexLocked(id string) int {
	return slices.IndexFunc(d.queue, func(j *Job) bool { return j.ID == id })
}
