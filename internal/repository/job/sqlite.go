package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/apperror"
	domain "github.com/ahmethakanbesel/campaign-runner/internal/job"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const (
	summaryColumns = `id, target_url, mode, total_count, fixed_price, column_mapping, metadata,
		status, processed_count, success_count, failed_count, success_rate, error,
		created_at, started_at, completed_at, duration`
	fullColumns = summaryColumns + `, customer_table, results`
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (id, target_url, mode, total_count, fixed_price,
		customer_table, column_mapping, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tbl, err := marshalNullable(j.Table)
	if err != nil {
		return fmt.Errorf("create job: encode table: %w", err)
	}
	m, err := marshalNullable(j.Mapping)
	if err != nil {
		return fmt.Errorf("create job: encode mapping: %w", err)
	}
	meta, err := marshalNullable(j.Metadata)
	if err != nil {
		return fmt.Errorf("create job: encode metadata: %w", err)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, query,
		j.ID, j.TargetURL, string(j.Mode), j.TotalCount, nullFloat(j.FixedPrice),
		tbl, m, meta, string(j.Status), j.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Update writes the mutable state of j. The row is only written when its
// stored status may move to j.Status, so terminal jobs are never rewritten.
func (r *Repository) Update(ctx context.Context, j *domain.Job) error {
	from := j.Status.Predecessors()
	if len(from) == 0 {
		return r.denied(ctx, j.ID)
	}
	query := `UPDATE jobs SET status = ?, processed_count = ?, success_count = ?,
		failed_count = ?, success_rate = ?, results = ?, error = ?,
		started_at = ?, completed_at = ?, duration = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ? AND status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + `)`

	results, err := marshalNullable(j.Results)
	if err != nil {
		return fmt.Errorf("update job: encode results: %w", err)
	}

	args := []any{
		string(j.Status), j.ProcessedCount, j.SuccessCount, j.FailedCount, j.SuccessRate,
		results, nullString(j.Error),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullInt(j.Duration),
		j.ID,
	}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return r.checkAffected(ctx, res, j.ID)
}

// UpdateProgress persists a batch checkpoint of a running job.
func (r *Repository) UpdateProgress(ctx context.Context, id string, processed, success, failed int) error {
	const query = `UPDATE jobs SET processed_count = ?, success_count = ?, failed_count = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ? AND status = 'RUNNING'`

	res, err := r.db.ExecContext(ctx, query, processed, success, failed, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *Repository) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return r.denied(ctx, id)
}

// denied explains a write that matched no row: the job is missing, or its
// stored status does not allow the change.
func (r *Repository) denied(ctx context.Context, id string) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return domain.ErrStatusTransitionDenied
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + fullColumns + ` FROM jobs WHERE id = ?`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	query := `SELECT ` + summaryColumns + ` FROM jobs WHERE 1=1`

	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	return r.query(ctx, "list jobs", false, query, args...)
}

func (r *Repository) ListPending(ctx context.Context) ([]domain.Job, error) {
	query := `SELECT ` + fullColumns + ` FROM jobs
		WHERE status = 'PENDING' ORDER BY created_at ASC, rowid ASC`
	return r.query(ctx, "list pending jobs", true, query)
}

func (r *Repository) RecoverStale(ctx context.Context, reason string) (int64, error) {
	const query = `UPDATE jobs SET status = 'FAILED', error = ?, completed_at = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE status = 'RUNNING'`

	res, err := r.db.ExecContext(ctx, query, reason, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) query(ctx context.Context, op string, full bool, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows, full)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner, full bool) (*domain.Job, error) {
	var (
		j                              domain.Job
		mode, status, createdStr       string
		fixedPrice                     sql.NullFloat64
		mappingJSON, metaJSON, errText sql.NullString
		startedStr, completedStr       sql.NullString
		duration                       sql.NullInt64
		tableJSON, resultsJSON         sql.NullString
	)
	dest := []any{
		&j.ID, &j.TargetURL, &mode, &j.TotalCount, &fixedPrice, &mappingJSON, &metaJSON,
		&status, &j.ProcessedCount, &j.SuccessCount, &j.FailedCount, &j.SuccessRate, &errText,
		&createdStr, &startedStr, &completedStr, &duration,
	}
	if full {
		dest = append(dest, &tableJSON, &resultsJSON)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	j.Mode = domain.Mode(mode)
	j.Status = domain.Status(status)
	j.Error = errText.String
	if fixedPrice.Valid {
		j.FixedPrice = &fixedPrice.Float64
	}
	if duration.Valid {
		j.Duration = &duration.Int64
	}
	j.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	j.StartedAt = parseNullTime(startedStr)
	j.CompletedAt = parseNullTime(completedStr)

	for _, f := range []struct {
		src  sql.NullString
		dst  any
		name string
	}{
		{mappingJSON, &j.Mapping, "mapping"},
		{metaJSON, &j.Metadata, "metadata"},
		{tableJSON, &j.Table, "table"},
		{resultsJSON, &j.Results, "results"},
	} {
		if !f.src.Valid || f.src.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return &j, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
