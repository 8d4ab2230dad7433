// Package worker implements the job execution loop: lease a message from the
// priority-ordered queue set, claim the record through the store's
// compare-and-swap, run the registered handler under a heartbeat, and report
// the outcome through the retry policy.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// Store is the slice of the record store the worker depends on.
type Store interface {
	JobByID(ctx context.Context, jobID string) (*job.Record, error)
	TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd store.TransitionUpdate) error
	ExtendLease(ctx context.Context, jobID, workerID string, until time.Time) error
}

// Broker is the queue backend surface the worker depends on.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	Qos(prefetchCount int) error
}

// Notifier receives the completion event when a job reaches a terminal
// state. The orchestrator implements it.
type Notifier interface {
	OnJobTerminal(ctx context.Context, rec *job.Record) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             Store
	Broker            Broker
	Notifier          Notifier
	Registry          *Registry
	Queues            []string // priority order, highest first
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	RetryPolicy       job.RetryPolicy
}

// Worker leases jobs from its queue set and executes them.
type Worker struct {
	logger            *slog.Logger
	store             Store
	broker            Broker
	notifier          Notifier
	registry          *Registry
	queues            []string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	policy            job.RetryPolicy
	workerID          string
	jobsChan          chan amqp.Delivery
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	policy := cfg.RetryPolicy
	if policy.BaseDelay == 0 {
		policy = job.DefaultRetryPolicy()
	}

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		broker:            cfg.Broker,
		notifier:          cfg.Notifier,
		registry:          cfg.Registry,
		queues:            cfg.Queues,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		policy:            policy,
		workerID:          fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		jobsChan:          make(chan amqp.Delivery),
	}
}

// Start subscribes to the queue set and processes jobs until the context is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Any("queues", w.queues),
	)

	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return fmt.Errorf("failed to configure prefetch: %w", err)
	}

	deliveries := make([]<-chan amqp.Delivery, 0, len(w.queues))
	for _, queue := range w.queues {
		ch, err := w.broker.Consume(queue, fmt.Sprintf("%s-%s", w.workerID, queue))
		if err != nil {
			return fmt.Errorf("failed to consume queue %s: %w", queue, err)
		}
		deliveries = append(deliveries, ch)
	}

	w.wg.Add(1)
	go w.dispatch(ctx, deliveries)

	w.spawnPool(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context cancelled, stopping",
		slog.String("worker_id", w.workerID),
	)

	return nil
}

// Stop blocks until all worker goroutines have drained.
func (w *Worker) Stop() {
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}
