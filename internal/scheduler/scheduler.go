// Package scheduler fires the daily ingest pipeline. Multiple replicas can
// run it at once: each calendar day is a tick bucket, and inserting the
// bucket into the tick ledger decides which replica fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lavendersentinel/paperline/internal/config"
	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/pipeline"
)

// lateFireWindow bounds how long after the configured fire time a missed
// tick is still fired when catch-up is disabled.
const lateFireWindow = 5 * time.Minute

// TickLedger records which schedule ticks have fired.
type TickLedger interface {
	AcquireTick(ctx context.Context, pipelineType, bucket string) (bool, error)
}

// Pipelines starts pipeline runs.
type Pipelines interface {
	StartPipeline(ctx context.Context, pipelineType, subjectID string) (string, error)
}

// Scheduler polls the clock and fires the daily ingest pipeline once per day
// across all replicas.
type Scheduler struct {
	ledger       TickLedger
	pipelines    Pipelines
	logger       *slog.Logger
	pollInterval time.Duration
	fireHour     int
	fireMinute   int
	catchUp      bool
	now          func() time.Time
}

// New creates a Scheduler from the scheduler config section.
func New(ledger TickLedger, pipelines Pipelines, cfg config.SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(cfg.DailyIngestAt, "%d:%d", &hour, &minute); err != nil {
		return nil, fmt.Errorf("invalid daily_ingest_at %q: %w", cfg.DailyIngestAt, err)
	}

	return &Scheduler{
		ledger:       ledger,
		pipelines:    pipelines,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		fireHour:     hour,
		fireMinute:   minute,
		catchUp:      cfg.CatchUp,
		now:          time.Now,
	}, nil
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		slog.String("daily_ingest_at", fmt.Sprintf("%02d:%02d", s.fireHour, s.fireMinute)),
		slog.Duration("poll_interval", s.pollInterval),
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fires the current day's tick if it is due and unclaimed.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now().UTC()
	fireAt := time.Date(now.Year(), now.Month(), now.Day(), s.fireHour, s.fireMinute, 0, 0, time.UTC)

	if now.Before(fireAt) {
		return
	}
	if !s.catchUp && now.After(fireAt.Add(lateFireWindow)) {
		// Replica came up long after today's fire time; without catch-up
		// the tick is skipped rather than fired late.
		return
	}

	bucket := fireAt.Format("2006-01-02")
	acquired, err := s.ledger.AcquireTick(ctx, pipeline.TypeDailyIngest, bucket)
	if err != nil {
		s.logger.Error("Failed to acquire schedule tick",
			slog.String("bucket", bucket),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return
	}

	runID, err := s.pipelines.StartPipeline(ctx, pipeline.TypeDailyIngest, bucket)
	if err != nil {
		if errors.Is(err, job.ErrDuplicateActive) {
			s.logger.Info("Daily ingest already in flight, tick consumed",
				slog.String("bucket", bucket),
			)
			return
		}
		s.logger.Error("Failed to start daily ingest pipeline",
			slog.String("bucket", bucket),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("Daily ingest fired",
		slog.String("bucket", bucket),
		slog.String("run_id", runID),
	)
}
