package worker

import (
	"context"
	"log/slog"
)

// spawnPool starts the configured number of executor goroutines reading
// from jobsChan.
func (w *Worker) spawnPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runExecutor(ctx, i)
	}
}

func (w *Worker) runExecutor(ctx context.Context, id int) {
	defer w.wg.Done()

	w.logger.Debug("Executor started",
		slog.Int("executor_id", id),
		slog.String("worker_id", w.workerID),
	)

	for delivery := range w.jobsChan {
		w.processDelivery(ctx, delivery)
	}

	w.logger.Debug("Executor stopped",
		slog.Int("executor_id", id),
		slog.String("worker_id", w.workerID),
	)
}
