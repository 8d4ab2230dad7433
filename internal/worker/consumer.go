package worker

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// pollInterval bounds how long the dispatcher sleeps when every queue is
// empty before rescanning in priority order.
const pollInterval = 100 * time.Millisecond

// dispatch merges the per-queue delivery channels into jobsChan. Queues are
// scanned in the order they were configured, so a message on an earlier
// queue is always handed out before one on a later queue even when both are
// backlogged.
func (w *Worker) dispatch(ctx context.Context, deliveries []<-chan amqp.Delivery) {
	defer w.wg.Done()
	defer close(w.jobsChan)

	open := make([]<-chan amqp.Delivery, len(deliveries))
	copy(open, deliveries)

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		delivered := false
		remaining := 0
		for i, ch := range open {
			if ch == nil {
				continue
			}
			remaining++
			select {
			case d, ok := <-ch:
				if !ok {
					open[i] = nil
					remaining--
					continue
				}
				select {
				case w.jobsChan <- d:
					delivered = true
				case <-ctx.Done():
					// Shutdown with a message in hand: requeue it so
					// another worker picks it up.
					if err := d.Nack(false, true); err != nil {
						w.logger.Warn("Failed to requeue delivery on shutdown",
							slog.String("error", err.Error()),
						)
					}
					return
				}
			default:
			}
			if delivered {
				break
			}
		}

		if remaining == 0 {
			w.logger.Warn("All delivery channels closed, dispatcher exiting",
				slog.String("worker_id", w.workerID),
			)
			return
		}

		if delivered {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}
