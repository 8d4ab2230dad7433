// Package store implements the durable job record store on PostgreSQL.
//
// Every job mutation goes through TransitionJob, a compare-and-swap on the
// status column. Two workers racing for the same record cannot both win: the
// loser gets job.ErrConflict and no row is changed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lavendersentinel/paperline/internal/job"
)

// Store handles all database operations for the pipeline subsystem
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a new Store instance
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, pipeline_run_id, job_type, subject_id, queue_name, status,
	attempts, max_attempts, worker_id, lease_expires_at, last_error,
	created_at, started_at, finished_at, updated_at
`

// CreateJob inserts a new job record in pending state.
func (s *Store) CreateJob(ctx context.Context, rec *job.Record) error {
	query := `
		INSERT INTO jobs (
			job_id, pipeline_run_id, job_type, subject_id, queue_name,
			status, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.PipelineRunID,
		rec.Type,
		rec.SubjectID,
		rec.QueueName,
		rec.Status,
		rec.Attempts,
		rec.MaxAttempts,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// TransitionUpdate carries the optional field updates applied together with a
// status transition.
type TransitionUpdate struct {
	WorkerID       *string
	LeaseExpiresAt *time.Time
	LastError      *string
	Attempts       *int
	ClearLease     bool
	SetStartedAt   bool
	SetFinishedAt  bool
}

// TransitionJob performs a compare-and-swap status transition. It returns
// job.ErrConflict without mutating anything if the stored status does not
// match from. This is the only write path for job records.
func (s *Store) TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd TransitionUpdate) error {
	query := "UPDATE jobs SET status = $1, updated_at = NOW()"
	args := []interface{}{to}
	argIdx := 2

	if upd.WorkerID != nil {
		query += fmt.Sprintf(", worker_id = $%d", argIdx)
		args = append(args, *upd.WorkerID)
		argIdx++
	}

	if upd.LeaseExpiresAt != nil {
		query += fmt.Sprintf(", lease_expires_at = $%d", argIdx)
		args = append(args, *upd.LeaseExpiresAt)
		argIdx++
	}

	if upd.ClearLease {
		query += ", worker_id = NULL, lease_expires_at = NULL"
	}

	if upd.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *upd.LastError)
		argIdx++
	}

	if upd.Attempts != nil {
		query += fmt.Sprintf(", attempts = $%d", argIdx)
		args = append(args, *upd.Attempts)
		argIdx++
	}

	if upd.SetStartedAt {
		query += ", started_at = NOW()"
	}

	if upd.SetFinishedAt {
		query += ", finished_at = NOW()"
	}

	query += fmt.Sprintf(" WHERE job_id = $%d AND status = $%d", argIdx, argIdx+1)
	args = append(args, jobID, from)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job transition lost the compare-and-swap",
			slog.String("job_id", jobID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return job.ErrConflict
	}

	return nil
}

// ExtendLease pushes lease_expires_at forward for a job the calling worker
// still holds. A zero rows-affected result means the lease was lost.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, until time.Time) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = $1, updated_at = NOW()
		WHERE job_id = $2 AND worker_id = $3 AND status IN ($4, $5)
	`

	result, err := s.db.ExecContext(ctx, query, until, jobID, workerID, job.StatusLeased, job.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return job.ErrConflict
	}

	return nil
}

// FindExpiredLeases returns leased/running jobs whose lease passed before the
// given time. They are eligible for redelivery.
func (s *Store) FindExpiredLeases(ctx context.Context, before time.Time) ([]job.Record, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ($1, $2) AND lease_expires_at < $3
		ORDER BY lease_expires_at ASC
	`

	var records []job.Record
	if err := s.db.SelectContext(ctx, &records, query, job.StatusLeased, job.StatusRunning, before); err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}

	return records, nil
}

// FindStalePendingJobs returns pending jobs that have not been touched since
// the given time. They may have missed their queue publish (e.g. a crash
// between the retry transition and the republish) and need re-enqueuing.
func (s *Store) FindStalePendingJobs(ctx context.Context, before time.Time) ([]job.Record, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	var records []job.Record
	if err := s.db.SelectContext(ctx, &records, query, job.StatusPending, before); err != nil {
		return nil, fmt.Errorf("failed to find stale pending jobs: %w", err)
	}

	return records, nil
}

// JobByID retrieves a job record by its ID.
func (s *Store) JobByID(ctx context.Context, jobID string) (*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var rec job.Record
	if err := s.db.GetContext(ctx, &rec, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &rec, nil
}

// JobsBySubject returns all job records for a subject, newest first.
func (s *Store) JobsBySubject(ctx context.Context, subjectID string) ([]job.Record, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE subject_id = $1
		ORDER BY created_at DESC, job_id DESC
	`

	var records []job.Record
	if err := s.db.SelectContext(ctx, &records, query, subjectID); err != nil {
		return nil, fmt.Errorf("failed to get jobs by subject: %w", err)
	}

	return records, nil
}

// JobsByRun returns all job records belonging to a pipeline run.
func (s *Store) JobsByRun(ctx context.Context, runID string) ([]job.Record, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE pipeline_run_id = $1
		ORDER BY created_at ASC, job_id ASC
	`

	var records []job.Record
	if err := s.db.SelectContext(ctx, &records, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get jobs by run: %w", err)
	}

	return records, nil
}

// HasActiveJob reports whether a non-terminal job record exists for the
// (subject_id, job_type) pair. Used to enforce the dedupe invariant.
func (s *Store) HasActiveJob(ctx context.Context, subjectID string, jobType job.Type) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE subject_id = $1 AND job_type = $2
			  AND status IN ($3, $4, $5, $6)
		)
	`

	var exists bool
	err := s.db.GetContext(ctx, &exists, query, subjectID, jobType,
		job.StatusPending, job.StatusLeased, job.StatusRunning, job.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to check active job: %w", err)
	}

	return exists, nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	SubjectID string
	JobType   string
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor is a keyset pagination cursor over (created_at, job_id).
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 job records matching the filter, newest
// first. The caller uses the extra record to detect another page.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filter.SubjectID)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []job.Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return records, nil
}

// CountJobsByStatus returns the number of job records per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[job.Status]int, error) {
	query := `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`

	rows := []struct {
		Status job.Status `db:"status"`
		Count  int        `db:"count"`
	}{}

	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	counts := make(map[job.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}
