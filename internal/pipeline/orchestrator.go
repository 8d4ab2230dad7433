package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// Store is the slice of the record store the orchestrator depends on.
type Store interface {
	CreateJob(ctx context.Context, rec *job.Record) error
	TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd store.TransitionUpdate) error
	JobByID(ctx context.Context, jobID string) (*job.Record, error)
	JobsByRun(ctx context.Context, runID string) ([]job.Record, error)
	HasActiveJob(ctx context.Context, subjectID string, jobType job.Type) (bool, error)
	HasActiveRun(ctx context.Context, subjectID, pipelineType string) (bool, error)
	CreatePipelineRun(ctx context.Context, run *job.PipelineRun) error
	PipelineRunByID(ctx context.Context, runID string) (*job.PipelineRun, error)
	UpdatePipelineRunStatus(ctx context.Context, runID string, from, to job.PipelineRunStatus) error
	UpsertPaperProjection(ctx context.Context, paperID string, jobType job.Type, status job.ProjectionStatus) error
	FindExpiredLeases(ctx context.Context, before time.Time) ([]job.Record, error)
	FindStalePendingJobs(ctx context.Context, before time.Time) ([]job.Record, error)
}

// Broker publishes queue messages.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Options configures the orchestrator.
type Options struct {
	MaxAttempts int
	RetryPolicy job.RetryPolicy
}

// Orchestrator interprets step graphs: it decides what to enqueue when a
// pipeline starts and when a step reaches a terminal state, and it owns the
// subject status projection.
type Orchestrator struct {
	store  Store
	broker Broker
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(st Store, broker Broker, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryPolicy.BaseDelay == 0 {
		opts.RetryPolicy = job.DefaultRetryPolicy()
	}
	return &Orchestrator{
		store:  st,
		broker: broker,
		opts:   opts,
		logger: logger,
	}
}

// StartPipeline builds the step graph for the pipeline type, records a
// PipelineRun, and enqueues the first step(s). A second trigger while an
// earlier run for this subject and pipeline type is still running is a no-op
// and returns job.ErrDuplicateActive.
func (o *Orchestrator) StartPipeline(ctx context.Context, pipelineType, subjectID string) (string, error) {
	graph, err := GraphFor(pipelineType)
	if err != nil {
		return "", err
	}

	ev := Evaluate(graph, nil)
	if len(ev.Ready) == 0 {
		return "", fmt.Errorf("pipeline %q has no startable steps", pipelineType)
	}

	// A running run for this subject must settle before a new one may start.
	// Dedupe here, at run level: later steps of the in-flight run would
	// otherwise collide with the new run's fan-out and strand it in running.
	runActive, err := o.store.HasActiveRun(ctx, subjectID, pipelineType)
	if err != nil {
		return "", fmt.Errorf("failed to check for active pipeline runs: %w", err)
	}
	if runActive {
		o.logger.Info("Pipeline trigger ignored, a run is already in progress",
			slog.String("pipeline_type", pipelineType),
			slog.String("subject_id", subjectID),
		)
		return "", job.ErrDuplicateActive
	}

	// Cross-pipeline dedupe: a first step whose (subject, type) job is in
	// flight under a different pipeline is not re-enqueued.
	startable := make([]job.Type, 0, len(ev.Ready))
	for _, jobType := range ev.Ready {
		active, err := o.store.HasActiveJob(ctx, subjectID, jobType)
		if err != nil {
			return "", fmt.Errorf("failed to check for active jobs: %w", err)
		}
		if !active {
			startable = append(startable, jobType)
		}
	}
	if len(startable) == 0 {
		o.logger.Info("Pipeline trigger ignored, jobs already in flight",
			slog.String("pipeline_type", pipelineType),
			slog.String("subject_id", subjectID),
		)
		return "", job.ErrDuplicateActive
	}

	encoded, err := EncodeGraph(graph)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	run := &job.PipelineRun{
		ID:           uuid.New().String(),
		PipelineType: pipelineType,
		SubjectID:    subjectID,
		StepGraph:    encoded,
		Status:       job.RunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreatePipelineRun(ctx, run); err != nil {
		return "", err
	}

	for _, jobType := range startable {
		if err := o.enqueueStep(ctx, run, jobType); err != nil {
			return "", err
		}
	}

	o.logger.Info("Pipeline started",
		slog.String("run_id", run.ID),
		slog.String("pipeline_type", pipelineType),
		slog.String("subject_id", subjectID),
	)

	return run.ID, nil
}

// enqueueStep creates a pending job record for the step and publishes its
// queue message. If the publish fails the record stays pending; the reaper
// republishes stale pending jobs, so the step is delayed, not lost.
func (o *Orchestrator) enqueueStep(ctx context.Context, run *job.PipelineRun, jobType job.Type) error {
	now := time.Now().UTC()
	rec := &job.Record{
		ID:            uuid.New().String(),
		PipelineRunID: run.ID,
		Type:          jobType,
		SubjectID:     run.SubjectID,
		QueueName:     job.QueueFor(jobType),
		Status:        job.StatusPending,
		MaxAttempts:   o.opts.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.store.CreateJob(ctx, rec); err != nil {
		return fmt.Errorf("failed to create job record for %s: %w", jobType, err)
	}

	if err := o.store.UpsertPaperProjection(ctx, run.SubjectID, jobType, job.ProjectionPending); err != nil {
		o.logger.Error("Failed to update projection on enqueue",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
	}

	if err := o.publish(ctx, rec); err != nil {
		o.logger.Error("Failed to publish job message, leaving record pending for the reaper",
			slog.String("job_id", rec.ID),
			slog.String("queue", rec.QueueName),
			slog.Any("error", err),
		)
		return nil
	}

	o.logger.Info("Step enqueued",
		slog.String("run_id", run.ID),
		slog.String("job_id", rec.ID),
		slog.String("job_type", string(jobType)),
		slog.String("queue", rec.QueueName),
	)

	return nil
}

func (o *Orchestrator) publish(ctx context.Context, rec *job.Record) error {
	body, err := job.EncodeMessage(rec.ID)
	if err != nil {
		return err
	}
	return o.broker.Publish(ctx, rec.QueueName, body)
}

// OnJobTerminal is the completion event from the worker pool: rec just
// reached completed or dead. The orchestrator writes the subject projection
// and advances the run's step graph.
func (o *Orchestrator) OnJobTerminal(ctx context.Context, rec *job.Record) error {
	if err := o.store.UpsertPaperProjection(ctx, rec.SubjectID, rec.Type, job.ProjectionFromStatus(rec.Status)); err != nil {
		o.logger.Error("Failed to update projection on terminal state",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
	}

	run, err := o.store.PipelineRunByID(ctx, rec.PipelineRunID)
	if err != nil {
		return fmt.Errorf("failed to load run for job %s: %w", rec.ID, err)
	}

	// A settled or cancelled run never enqueues successors.
	if run.Status != job.RunStatusRunning {
		return nil
	}

	graph, err := DecodeGraph(run.StepGraph)
	if err != nil {
		return err
	}

	statuses, err := o.runStatuses(ctx, run.ID)
	if err != nil {
		return err
	}

	ev := Evaluate(graph, statuses)

	for _, jobType := range ev.Ready {
		active, err := o.store.HasActiveJob(ctx, run.SubjectID, jobType)
		if err != nil {
			return fmt.Errorf("failed to check for active jobs: %w", err)
		}
		if active {
			o.logger.Info("Skipping step, job already in flight for subject",
				slog.String("run_id", run.ID),
				slog.String("job_type", string(jobType)),
			)
			continue
		}
		if err := o.enqueueStep(ctx, run, jobType); err != nil {
			return err
		}
	}

	switch ev.State {
	case StateCompleted:
		return o.settleRun(ctx, run, job.RunStatusCompleted)
	case StateFailed:
		return o.settleRun(ctx, run, job.RunStatusAborted)
	}

	return nil
}

func (o *Orchestrator) settleRun(ctx context.Context, run *job.PipelineRun, to job.PipelineRunStatus) error {
	err := o.store.UpdatePipelineRunStatus(ctx, run.ID, job.RunStatusRunning, to)
	if errors.Is(err, job.ErrConflict) {
		// Another event settled the run first.
		return nil
	}
	if err != nil {
		return err
	}

	o.logger.Info("Pipeline run settled",
		slog.String("run_id", run.ID),
		slog.String("subject_id", run.SubjectID),
		slog.String("status", string(to)),
	)

	return nil
}

// RetryJob resets a dead job to pending with a fresh attempt budget and
// republishes it on its original queue.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) (*job.Record, error) {
	rec, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if rec.Status != job.StatusDead {
		return nil, job.ErrNotRetryable
	}

	zero := 0
	err = o.store.TransitionJob(ctx, rec.ID, job.StatusDead, job.StatusPending, store.TransitionUpdate{
		Attempts:   &zero,
		ClearLease: true,
	})
	if err != nil {
		return nil, err
	}

	if err := o.store.UpsertPaperProjection(ctx, rec.SubjectID, rec.Type, job.ProjectionPending); err != nil {
		o.logger.Error("Failed to update projection on retry",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
	}

	if err := o.publish(ctx, rec); err != nil {
		o.logger.Error("Failed to republish retried job, leaving record pending for the reaper",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
	}

	o.logger.Info("Dead job reset and re-enqueued",
		slog.String("job_id", rec.ID),
		slog.String("job_type", string(rec.Type)),
		slog.String("queue", rec.QueueName),
	)

	return o.store.JobByID(ctx, rec.ID)
}

// CancelPipeline flips a running pipeline run to aborted. In-flight leases
// drain naturally; their terminal events see the aborted run and enqueue
// nothing further.
func (o *Orchestrator) CancelPipeline(ctx context.Context, runID string) error {
	if _, err := o.store.PipelineRunByID(ctx, runID); err != nil {
		return err
	}
	err := o.store.UpdatePipelineRunStatus(ctx, runID, job.RunStatusRunning, job.RunStatusAborted)
	if errors.Is(err, job.ErrConflict) {
		return fmt.Errorf("pipeline run is not running: %w", job.ErrConflict)
	}
	return err
}

// runStatuses maps each job type present in the run to its current status.
// For re-created records (manual retries) the newest record wins.
func (o *Orchestrator) runStatuses(ctx context.Context, runID string) (map[job.Type]job.Status, error) {
	records, err := o.store.JobsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	statuses := make(map[job.Type]job.Status, len(records))
	for _, rec := range records {
		statuses[rec.Type] = rec.Status
	}
	return statuses, nil
}
