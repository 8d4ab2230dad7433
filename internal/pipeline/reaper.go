package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// ReaperConfig configures the lease reaper loop.
type ReaperConfig struct {
	// Interval between scans.
	Interval time.Duration
	// StalePendingAge is how long a pending job may sit untouched before
	// it is republished. It should exceed the largest retry backoff so
	// scheduled retries are not double-published.
	StalePendingAge time.Duration
}

// Reaper restores forward progress for jobs whose worker crashed: expired
// leases are either re-enqueued or moved to dead, and pending records whose
// queue message was lost are republished.
type Reaper struct {
	orch   *Orchestrator
	cfg    ReaperConfig
	logger *slog.Logger
}

// NewReaper creates a Reaper driving the given orchestrator's store/broker.
func NewReaper(orch *Orchestrator, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StalePendingAge == 0 {
		cfg.StalePendingAge = orch.opts.RetryPolicy.MaxDelay + time.Minute
	}
	return &Reaper{orch: orch, cfg: cfg, logger: logger}
}

// Run scans until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Lease reaper started",
		slog.Duration("interval", r.cfg.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Lease reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over expired leases and stale pending jobs.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.orch.store.FindExpiredLeases(ctx, now)
	if err != nil {
		r.logger.Error("Failed to scan for expired leases", slog.Any("error", err))
	} else {
		for i := range expired {
			r.reapExpired(ctx, &expired[i])
		}
	}

	stale, err := r.orch.store.FindStalePendingJobs(ctx, now.Add(-r.cfg.StalePendingAge))
	if err != nil {
		r.logger.Error("Failed to scan for stale pending jobs", slog.Any("error", err))
		return
	}
	for i := range stale {
		r.republishStale(ctx, &stale[i])
	}
}

// reapExpired treats an expired lease as a failed transient attempt: the job
// goes back to pending for redelivery, or to dead when its budget is spent.
func (r *Reaper) reapExpired(ctx context.Context, rec *job.Record) {
	attempts := rec.Attempts + 1
	leaseErr := "lease expired before the worker reported an outcome"

	decision := r.orch.opts.RetryPolicy.Decide(attempts, rec.MaxAttempts, job.FailureTransient)

	if decision.Retry {
		err := r.orch.store.TransitionJob(ctx, rec.ID, rec.Status, job.StatusPending, store.TransitionUpdate{
			Attempts:   &attempts,
			LastError:  &leaseErr,
			ClearLease: true,
		})
		if errors.Is(err, job.ErrConflict) {
			// The worker finished after all; nothing to do.
			return
		}
		if err != nil {
			r.logger.Error("Failed to reset expired lease",
				slog.String("job_id", rec.ID),
				slog.Any("error", err),
			)
			return
		}

		if err := r.orch.publish(ctx, rec); err != nil {
			r.logger.Error("Failed to republish expired job",
				slog.String("job_id", rec.ID),
				slog.Any("error", err),
			)
		}

		r.logger.Warn("Expired lease re-enqueued",
			slog.String("job_id", rec.ID),
			slog.String("job_type", string(rec.Type)),
			slog.Int("attempts", attempts),
		)
		return
	}

	err := r.orch.store.TransitionJob(ctx, rec.ID, rec.Status, job.StatusDead, store.TransitionUpdate{
		Attempts:      &attempts,
		LastError:     &leaseErr,
		ClearLease:    true,
		SetFinishedAt: true,
	})
	if errors.Is(err, job.ErrConflict) {
		return
	}
	if err != nil {
		r.logger.Error("Failed to mark expired job dead",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
		return
	}

	r.logger.Warn("Expired lease abandoned, job is dead",
		slog.String("job_id", rec.ID),
		slog.String("job_type", string(rec.Type)),
		slog.Int("attempts", attempts),
	)

	dead, err := r.orch.store.JobByID(ctx, rec.ID)
	if err != nil {
		r.logger.Error("Failed to reload dead job", slog.String("job_id", rec.ID), slog.Any("error", err))
		return
	}
	if err := r.orch.OnJobTerminal(ctx, dead); err != nil {
		r.logger.Error("Failed to dispatch terminal event for dead job",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
	}
}

// republishStale refreshes updated_at through a pending->pending CAS and
// publishes the message again. Redelivery is harmless: workers skip records
// they cannot claim.
func (r *Reaper) republishStale(ctx context.Context, rec *job.Record) {
	err := r.orch.store.TransitionJob(ctx, rec.ID, job.StatusPending, job.StatusPending, store.TransitionUpdate{})
	if errors.Is(err, job.ErrConflict) {
		return
	}
	if err != nil {
		r.logger.Error("Failed to touch stale pending job",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
		return
	}

	if err := r.orch.publish(ctx, rec); err != nil {
		r.logger.Error("Failed to republish stale pending job",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
		return
	}

	r.logger.Warn("Stale pending job republished",
		slog.String("job_id", rec.ID),
		slog.String("queue", rec.QueueName),
	)
}
