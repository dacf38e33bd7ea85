package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/apperror"
	"github.com/ahmethakanbesel/campaign-runner/internal/mapping"
	"github.com/ahmethakanbesel/campaign-runner/internal/table"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ErrStatusTransitionDenied is returned when a write would move a job out of
// a terminal state or along an edge the state machine does not allow.
var ErrStatusTransitionDenied = errors.New("job status transition denied")

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses a job may move to s from.
func (s Status) Predecessors() []Status {
	var from []Status
	for _, prev := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		if prev.CanTransitionTo(s) {
			from = append(from, prev)
		}
	}
	return from
}

// TransitionTo moves j to next, refusing any edge outside the state machine.
func (j *Job) TransitionTo(next Status) error {
	if !j.Status.CanTransitionTo(next) {
		return apperror.New(apperror.PreconditionFailed,
			fmt.Sprintf("cannot move job from %s to %s", j.Status, next))
	}
	j.Status = next
	return nil
}

type Mode string

const (
	ModeRandom  Mode = "random"
	ModeTabular Mode = "tabular"
)

// Job is one campaign. Duration holds whole seconds between start and finish.
type Job struct {
	ID             string                 `json:"id"`
	TargetURL      string                 `json:"targetUrl"`
	Mode           Mode                   `json:"mode"`
	TotalCount     int                    `json:"totalCount"`
	FixedPrice     *float64               `json:"fixedPrice,omitempty"`
	Table          *table.Table           `json:"-"`
	Mapping        *mapping.ColumnMapping `json:"mapping,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Status         Status                 `json:"status"`
	ProcessedCount int                    `json:"processedCount"`
	SuccessCount   int                    `json:"successCount"`
	FailedCount    int                    `json:"failedCount"`
	SuccessRate    float64                `json:"successRate"`
	CreatedAt      time.Time              `json:"createdAt"`
	StartedAt      *time.Time             `json:"startedAt,omitempty"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	Duration       *int64                 `json:"duration,omitempty"`
	Results        []OrderOutcome         `json:"results,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// OrderOutcome is the result of one unit of a job.
type OrderOutcome struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Phone     string        `json:"phone"`
	City      string        `json:"city"`
	Price     float64       `json:"price"`
	Status    OutcomeStatus `json:"status"`
	Channels  []string      `json:"channels,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Elapsed reports how long the job has been running, or how long it ran once
// it finished.
func (j *Job) Elapsed(now time.Time) int64 {
	switch {
	case j.Status == StatusRunning && j.StartedAt != nil:
		return int64(now.Sub(*j.StartedAt) / time.Second)
	case j.Duration != nil:
		return *j.Duration
	default:
		return 0
	}
}
