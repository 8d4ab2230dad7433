// Package handler implements the HTTP endpoints of the pipeline API:
// starting and inspecting pipeline runs, listing and retrying jobs, and the
// per-paper status view.
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// Store is the read side the handlers query.
type Store interface {
	JobByID(ctx context.Context, jobID string) (*job.Record, error)
	JobsByRun(ctx context.Context, runID string) ([]job.Record, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]job.Record, error)
	CountJobsByStatus(ctx context.Context) (map[job.Status]int, error)
	PipelineRunByID(ctx context.Context, runID string) (*job.PipelineRun, error)
	PaperProjection(ctx context.Context, paperID string) (*job.PaperProjection, error)
}

// Pipelines is the write side: the orchestrator operations the API exposes.
type Pipelines interface {
	StartPipeline(ctx context.Context, pipelineType, subjectID string) (string, error)
	CancelPipeline(ctx context.Context, runID string) error
	RetryJob(ctx context.Context, jobID string) (*job.Record, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     Store
	Pipelines Pipelines
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
