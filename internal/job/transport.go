package job

import (
	"fmt"
	"net/url"

	"github.com/ahmethakanbesel/campaign-runner/internal/apperror"
	"github.com/ahmethakanbesel/campaign-runner/internal/mapping"
	"github.com/ahmethakanbesel/campaign-runner/internal/table"
)

type CreateJobRequest struct {
	TargetURL     string                 `json:"targetUrl"`
	Mode          Mode                   `json:"mode"`
	TotalCount    int                    `json:"totalCount"`
	FixedPrice    *float64               `json:"fixedPrice,omitempty"`
	CustomerTable *table.Table           `json:"customerTable,omitempty"`
	Mapping       *mapping.ColumnMapping `json:"mapping,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

func (r *CreateJobRequest) Validate() *apperror.AppError {
	u, err := url.Parse(r.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperror.New(apperror.BadRequest, "targetUrl must be an absolute http(s) URL")
	}

	if r.Mode == "" {
		r.Mode = ModeRandom
	}
	switch r.Mode {
	case ModeRandom:
		if r.TotalCount < 1 {
			return apperror.New(apperror.BadRequest, "totalCount must be at least 1")
		}
	case ModeTabular:
		if r.CustomerTable == nil || len(r.CustomerTable.Headers) == 0 || r.CustomerTable.Len() == 0 {
			return apperror.New(apperror.BadRequest, "tabular jobs need a customer table with at least one row")
		}
		if r.TotalCount == 0 {
			r.TotalCount = r.CustomerTable.Len()
		}
		if r.TotalCount < 1 {
			return apperror.New(apperror.BadRequest, "totalCount must be at least 1")
		}
	default:
		return apperror.New(apperror.BadRequest, fmt.Sprintf("unknown mode %q", r.Mode))
	}

	if r.FixedPrice != nil && *r.FixedPrice <= 0 {
		return apperror.New(apperror.BadRequest, "fixedPrice must be positive")
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status Status
	Limit  int
}

func (r *ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !r.Status.Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.Limit <= 0 || r.Limit > 50 {
		r.Limit = 50
	}
	return nil
}

// Detail is the full read projection of a job.
type Detail struct {
	*Job
	ElapsedSeconds int64 `json:"elapsedSeconds"`
	QueuePosition  *int  `json:"queuePosition,omitempty"`
}

// StatusView is the lightweight progress projection polled by clients.
type StatusView struct {
	ID             string  `json:"id"`
	Status         Status  `json:"status"`
	TotalCount     int     `json:"totalCount"`
	ProcessedCount int     `json:"processedCount"`
	SuccessCount   int     `json:"successCount"`
	FailedCount    int     `json:"failedCount"`
	SuccessRate    float64 `json:"successRate"`
	ElapsedSeconds int64   `json:"elapsedSeconds"`
	QueuePosition  *int    `json:"queuePosition,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Created is returned when a job has been queued.
type Created struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	QueuePosition int    `json:"queuePosition"`
}
