package job

import "context"

type Repository interface {
	Create(ctx context.Context, j *Job) error
	// Update writes the job's full state. It fails with
	// ErrStatusTransitionDenied when the stored job is already terminal.
	Update(ctx context.Context, j *Job) error
	UpdateProgress(ctx context.Context, id string, processed, success, failed int) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns the most recent jobs without their tables and results.
	List(ctx context.Context, status Status, limit int) ([]Job, error)
	ListPending(ctx context.Context) ([]Job, error)
	// RecoverStale fails jobs left RUNNING by a previous process.
	RecoverStale(ctx context.Context, reason string) (int64, error)
}
