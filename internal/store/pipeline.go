package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lavendersentinel/paperline/internal/job"
)

// CreatePipelineRun inserts a new pipeline run in running state.
func (s *Store) CreatePipelineRun(ctx context.Context, run *job.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (
			run_id, pipeline_type, subject_id, step_graph, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.PipelineType,
		run.SubjectID,
		run.StepGraph,
		run.Status,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}

	return nil
}

// PipelineRunByID retrieves a pipeline run by its ID.
func (s *Store) PipelineRunByID(ctx context.Context, runID string) (*job.PipelineRun, error) {
	query := `
		SELECT run_id, pipeline_type, subject_id, step_graph, status,
		       created_at, updated_at
		FROM pipeline_runs
		WHERE run_id = $1
	`

	var run job.PipelineRun
	if err := s.db.GetContext(ctx, &run, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}

	return &run, nil
}

// UpdatePipelineRunStatus performs a compare-and-swap on the run status so
// that only one writer settles a run.
func (s *Store) UpdatePipelineRunStatus(ctx context.Context, runID string, from, to job.PipelineRunStatus) error {
	query := `
		UPDATE pipeline_runs
		SET status = $1, updated_at = NOW()
		WHERE run_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, to, runID, from)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run status: %w", err)
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

// HasActiveRun reports whether a running pipeline run exists for the subject
// and pipeline type.
func (s *Store) HasActiveRun(ctx context.Context, subjectID, pipelineType string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM pipeline_runs
			WHERE subject_id = $1 AND pipeline_type = $2 AND status = $3
		)
	`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, subjectID, pipelineType, job.RunStatusRunning); err != nil {
		return false, fmt.Errorf("failed to check for active pipeline runs: %w", err)
	}

	return exists, nil
}

// RunsBySubject returns the pipeline runs for a subject, newest first.
func (s *Store) RunsBySubject(ctx context.Context, subjectID string) ([]job.PipelineRun, error) {
	query := `
		SELECT run_id, pipeline_type, subject_id, step_graph, status,
		       created_at, updated_at
		FROM pipeline_runs
		WHERE subject_id = $1
		ORDER BY created_at DESC, run_id DESC
	`

	var runs []job.PipelineRun
	if err := s.db.SelectContext(ctx, &runs, query, subjectID); err != nil {
		return nil, fmt.Errorf("failed to get runs by subject: %w", err)
	}

	return runs, nil
}

// UpsertPaperProjection writes the denormalized per-paper status field for
// the given job type. Types with no projection column are ignored.
func (s *Store) UpsertPaperProjection(ctx context.Context, paperID string, jobType job.Type, status job.ProjectionStatus) error {
	var column string
	switch jobType {
	case job.TypeGenerateSummary:
		column = "summary_job_status"
	case job.TypeGenerateComic:
		column = "comic_job_status"
	default:
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO paper_job_status (paper_id, %[1]s, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (paper_id)
		DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = NOW()
	`, column)

	if _, err := s.db.ExecContext(ctx, query, paperID, status); err != nil {
		return fmt.Errorf("failed to upsert paper projection: %w", err)
	}

	s.logger.Debug("Paper projection updated",
		slog.String("paper_id", paperID),
		slog.String("job_type", string(jobType)),
		slog.String("status", string(status)),
	)

	return nil
}

// PaperProjection reads the per-paper status fields. A missing row reports
// none for both job types.
func (s *Store) PaperProjection(ctx context.Context, paperID string) (*job.PaperProjection, error) {
	query := `
		SELECT paper_id, summary_job_status, comic_job_status, updated_at
		FROM paper_job_status
		WHERE paper_id = $1
	`

	var proj job.PaperProjection
	if err := s.db.GetContext(ctx, &proj, query, paperID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &job.PaperProjection{
				PaperID:          paperID,
				SummaryJobStatus: job.ProjectionNone,
				ComicJobStatus:   job.ProjectionNone,
			}, nil
		}
		return nil, fmt.Errorf("failed to get paper projection: %w", err)
	}

	return &proj, nil
}

// AcquireTick records a scheduler tick for (pipeline_type, bucket). The
// unique constraint makes the insert succeed for exactly one replica per
// tick; the others observe the row held and skip.
func (s *Store) AcquireTick(ctx context.Context, pipelineType, bucket string) (bool, error) {
	query := `
		INSERT INTO scheduler_ticks (pipeline_type, tick_bucket, fired_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pipeline_type, tick_bucket) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, pipelineType, bucket)
	if err != nil {
		return false, fmt.Errorf("failed to acquire scheduler tick: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}
