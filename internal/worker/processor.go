package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

const (
	infraMaxRetries = 3
	infraRetryDelay = 500 * time.Millisecond
)

// processDelivery drives one message through claim, execution, and outcome
// reporting. Every exit path settles the delivery: ack for handled or stale
// messages, nack-with-requeue when infrastructure is unavailable.
func (w *Worker) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := job.DecodeMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Dropping malformed message",
			slog.String("error", err.Error()),
		)
		w.settle(delivery.Nack(false, false))
		return
	}

	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	rec, err := w.loadRecord(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Warn("Message references unknown job, dropping")
			w.settle(delivery.Ack(false))
			return
		}
		logger.Error("Failed to load job record, requeueing",
			slog.String("error", err.Error()),
		)
		w.settle(delivery.Nack(false, true))
		return
	}

	if rec.Status != job.StatusPending {
		// Stale redelivery: the record already moved on (claimed elsewhere,
		// completed, or killed by the reaper).
		logger.Debug("Skipping stale delivery",
			slog.String("status", string(rec.Status)),
		)
		w.settle(delivery.Ack(false))
		return
	}

	if !w.claim(ctx, logger, rec) {
		w.settle(delivery.Ack(false))
		return
	}

	handlerErr := w.execute(ctx, logger, rec)

	if handlerErr == nil {
		w.reportSuccess(ctx, logger, rec)
	} else {
		w.reportFailure(ctx, logger, rec, handlerErr)
	}
	w.settle(delivery.Ack(false))
}

// claim moves the record pending -> leased -> running under this worker's
// lease. A lost race on either step means another worker owns the job.
func (w *Worker) claim(ctx context.Context, logger *slog.Logger, rec *job.Record) bool {
	leaseUntil := time.Now().Add(w.leaseDuration)

	err := w.store.TransitionJob(ctx, rec.ID, job.StatusPending, job.StatusLeased, store.TransitionUpdate{
		WorkerID:       &w.workerID,
		LeaseExpiresAt: &leaseUntil,
	})
	if err != nil {
		if errors.Is(err, job.ErrConflict) {
			logger.Debug("Lost claim race, skipping")
		} else {
			logger.Error("Failed to claim job",
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	err = w.store.TransitionJob(ctx, rec.ID, job.StatusLeased, job.StatusRunning, store.TransitionUpdate{
		WorkerID:       &w.workerID,
		LeaseExpiresAt: &leaseUntil,
		SetStartedAt:   true,
	})
	if err != nil {
		logger.Error("Failed to start claimed job",
			slog.String("error", err.Error()),
		)
		return false
	}

	rec.Status = job.StatusRunning
	rec.WorkerID = &w.workerID
	logger.Info("Job claimed",
		slog.String("job_type", string(rec.Type)),
		slog.String("subject_id", rec.SubjectID),
		slog.Int("attempts", rec.Attempts),
	)
	return true
}

// execute runs the handler under the job timeout while a heartbeat goroutine
// keeps the lease alive. Losing the lease cancels the handler.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, rec *job.Record) error {
	handler, err := w.registry.Handler(rec.Type)
	if err != nil {
		return job.Permanent(err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeat(jobCtx, cancel, logger, rec.ID, heartbeatDone)

	start := time.Now()
	handlerErr := handler(jobCtx, rec.SubjectID)
	cancel()
	<-heartbeatDone

	if handlerErr == nil {
		logger.Info("Job succeeded",
			slog.Duration("duration", time.Since(start)),
		)
		return nil
	}
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		handlerErr = job.Transient(handlerErr)
	}
	logger.Warn("Job handler failed",
		slog.Duration("duration", time.Since(start)),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}

// heartbeat extends the lease on an interval. A conflict means the lease
// was lost (reaper reclaimed it); the running handler is cancelled so it
// stops touching the subject.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, jobID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.ExtendLease(ctx, jobID, w.workerID, time.Now().Add(w.leaseDuration))
			if err == nil {
				continue
			}
			if errors.Is(err, job.ErrConflict) {
				logger.Warn("Lease lost, cancelling handler")
				cancel()
				return
			}
			logger.Warn("Failed to extend lease",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Worker) reportSuccess(ctx context.Context, logger *slog.Logger, rec *job.Record) {
	err := w.store.TransitionJob(ctx, rec.ID, job.StatusRunning, job.StatusCompleted, store.TransitionUpdate{
		ClearLease:    true,
		SetFinishedAt: true,
	})
	if err != nil {
		// Lease expired mid-run and the reaper already reassigned the job;
		// the later execution wins.
		logger.Warn("Could not record success, job no longer running",
			slog.String("error", err.Error()),
		)
		return
	}
	w.notifyTerminal(ctx, logger, rec.ID)
}

// reportFailure records the failed attempt and either re-enqueues the job
// after the backoff delay or kills it.
func (w *Worker) reportFailure(ctx context.Context, logger *slog.Logger, rec *job.Record, handlerErr error) {
	kind := job.ClassifyFailure(handlerErr)
	attempts := rec.Attempts + 1
	errMsg := handlerErr.Error()

	err := w.store.TransitionJob(ctx, rec.ID, job.StatusRunning, job.StatusFailed, store.TransitionUpdate{
		Attempts:  &attempts,
		LastError: &errMsg,
	})
	if err != nil {
		logger.Warn("Could not record failure, job no longer running",
			slog.String("error", err.Error()),
		)
		return
	}

	decision := w.policy.Decide(attempts, rec.MaxAttempts, kind)
	if decision.Retry {
		err = w.store.TransitionJob(ctx, rec.ID, job.StatusFailed, job.StatusPending, store.TransitionUpdate{
			ClearLease: true,
		})
		if err != nil {
			logger.Error("Failed to re-enqueue job for retry",
				slog.String("error", err.Error()),
			)
			return
		}
		logger.Info("Job scheduled for retry",
			slog.Int("attempts", attempts),
			slog.Duration("delay", decision.Delay),
		)
		w.scheduleRequeue(rec, decision.Delay)
		return
	}

	err = w.store.TransitionJob(ctx, rec.ID, job.StatusFailed, job.StatusDead, store.TransitionUpdate{
		ClearLease:    true,
		SetFinishedAt: true,
	})
	if err != nil {
		logger.Error("Failed to mark job dead",
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Error("Job exhausted retries, marked dead",
		slog.Int("attempts", attempts),
		slog.String("last_error", errMsg),
	)
	w.notifyTerminal(ctx, logger, rec.ID)
}

// scheduleRequeue republishes the job after the backoff delay. The timer is
// in-process only; if the worker dies first, the reaper's stale-pending
// sweep republishes the job instead.
func (w *Worker) scheduleRequeue(rec *job.Record, delay time.Duration) {
	jobID := rec.ID
	queue := rec.QueueName
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		body, err := job.EncodeMessage(jobID)
		if err != nil {
			return
		}
		if err := w.broker.Publish(ctx, queue, body); err != nil {
			w.logger.Error("Failed to republish job after backoff",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	})
}

func (w *Worker) notifyTerminal(ctx context.Context, logger *slog.Logger, jobID string) {
	rec, err := w.loadRecord(ctx, jobID)
	if err != nil {
		logger.Error("Failed to reload job for completion event",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := w.notifier.OnJobTerminal(ctx, rec); err != nil {
		logger.Error("Completion event failed",
			slog.String("error", err.Error()),
		)
	}
}

// loadRecord fetches a job record, retrying transient store errors.
func (w *Worker) loadRecord(ctx context.Context, jobID string) (*job.Record, error) {
	var rec *job.Record
	var err error
	for attempt := 0; attempt < infraMaxRetries; attempt++ {
		rec, err = w.store.JobByID(ctx, jobID)
		if err == nil || errors.Is(err, job.ErrNotFound) {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(infraRetryDelay << attempt):
		}
	}
	return nil, err
}

func (w *Worker) settle(err error) {
	if err != nil {
		w.logger.Error("Failed to settle delivery",
			slog.String("error", err.Error()),
		)
	}
}
