package job

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/apperror"
	"github.com/ahmethakanbesel/campaign-runner/internal/mapping"
)

// Queue is the part of the Dispatcher the Service drives.
type Queue interface {
	Submit(ctx context.Context, j *Job) error
	Cancel(ctx context.Context, id string) (*Job, error)
	QueuePosition(id string) (int, bool)
	Snapshot() Snapshot
}

type Service struct {
	repo     Repository
	queue    Queue
	maxTotal int
	now      func() time.Time
}

func NewService(repo Repository, queue Queue, maxTotal int) *Service {
	return &Service{repo: repo, queue: queue, maxTotal: maxTotal, now: time.Now}
}

func (s *Service) Create(ctx context.Context, req CreateJobRequest) (*Created, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.maxTotal > 0 && req.TotalCount > s.maxTotal {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("totalCount must not exceed %d", s.maxTotal))
	}

	j := &Job{
		TargetURL:  req.TargetURL,
		Mode:       req.Mode,
		TotalCount: req.TotalCount,
		FixedPrice: req.FixedPrice,
		Metadata:   req.Metadata,
		Status:     StatusPending,
	}
	if req.Mode == ModeTabular {
		m := req.Mapping
		if m == nil {
			detected := mapping.Detect(req.CustomerTable.Headers)
			m = &detected
		}
		if !m.Ready(req.CustomerTable.Headers) {
			return nil, apperror.New(apperror.BadRequest, "column mapping needs confirmation: name, phone and city must be mapped")
		}
		j.Table = req.CustomerTable
		j.Mapping = m
	}

	if err := s.queue.Submit(ctx, j); err != nil {
		return nil, err
	}
	pos, _ := s.queue.QueuePosition(j.ID)
	return &Created{ID: j.ID, Status: j.Status, QueuePosition: pos}, nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Detail, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	d := &Detail{Job: j, ElapsedSeconds: j.Elapsed(s.now())}
	if pos, ok := s.queue.QueuePosition(j.ID); ok {
		d.QueuePosition = &pos
	}
	return d, nil
}

// GetStatus is a pure read; calling it repeatedly never changes the job.
func (s *Service) GetStatus(ctx context.Context, req GetJobRequest) (*StatusView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	v := &StatusView{
		ID:             j.ID,
		Status:         j.Status,
		TotalCount:     j.TotalCount,
		ProcessedCount: j.ProcessedCount,
		SuccessCount:   j.SuccessCount,
		FailedCount:    j.FailedCount,
		SuccessRate:    j.SuccessRate,
		ElapsedSeconds: j.Elapsed(s.now()),
		Error:          j.Error,
	}
	if pos, ok := s.queue.QueuePosition(j.ID); ok {
		v.QueuePosition = &pos
	}
	return v, nil
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, req.Status, req.Limit)
}

func (s *Service) Cancel(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.queue.Cancel(ctx, req.ID)
}

func (s *Service) Queue() Snapshot {
	return s.queue.Snapshot()
}
