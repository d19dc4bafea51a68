package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
	"tilemath/internal/queue"
)

// Worker claims queue messages and runs their jobs.
//
// A message is acknowledged only once its job is terminal. Any store or queue
// failure before that releases the claim so the message is redelivered.
type Worker struct {
	id      string
	queue   queue.Queue
	store   job.Store
	runner  *Runner
	config  Config
	metrics MetricsRecorder
	logger  *slog.Logger

	claimed     atomic.Int64
	redelivered atomic.Int64
	done        atomic.Int64
	failed      atomic.Int64
	acked       atomic.Int64
	released    atomic.Int64
	errors      atomic.Int64
}

// NewWorker creates a worker that claims as owner id. metrics may be nil.
func NewWorker(id string, q queue.Queue, store job.Store, runner *Runner, cfg Config, metrics MetricsRecorder) *Worker {
	if id == "" {
		id = NewOwnerID()
	}
	return &Worker{
		id:      id,
		queue:   q,
		store:   store,
		runner:  runner,
		config:  cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "worker", "worker", id),
	}
}

// NewOwnerID returns a claim owner id unique to this process.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ID returns the worker's claim owner id.
func (w *Worker) ID() string { return w.id }

// ProcessNext claims the oldest claimable message and handles it.
// Returns queue.ErrEmpty when there is nothing to do.
func (w *Worker) ProcessNext(ctx context.Context) error {
	msg, err := w.queue.Claim(ctx, w.id, w.config.Lease)
	if err != nil {
		return err
	}
	return w.handle(ctx, msg)
}

// ProcessJob claims the message for jobID and handles it.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	msg, err := w.queue.ClaimJob(ctx, jobID, w.id, w.config.Lease)
	if err != nil {
		return err
	}
	return w.handle(ctx, msg)
}

// Stats returns this worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Claimed:     w.claimed.Load(),
		Redelivered: w.redelivered.Load(),
		Done:        w.done.Load(),
		Failed:      w.failed.Load(),
		Acked:       w.acked.Load(),
		Released:    w.released.Load(),
		Errors:      w.errors.Load(),
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) error {
	redelivery := msg.Deliveries > 1
	w.claimed.Add(1)
	if redelivery {
		w.redelivered.Add(1)
	}
	if w.metrics != nil {
		w.metrics.RecordClaimed(ctx, redelivery)
	}
	logger := w.logger.With("jobId", msg.JobID, "messageId", msg.ID, "deliveries", msg.Deliveries)

	stop := w.keepAlive(ctx, msg, logger)
	err := w.process(ctx, msg, logger)
	stop()

	// Settle the claim even when shutting down.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.errors.Add(1)
		w.release(settleCtx, msg, logger)
		return err
	}
	return w.ack(settleCtx, msg, logger)
}

// process brings the message's job to a terminal state. A nil error means
// the message can be acknowledged.
func (w *Worker) process(ctx context.Context, msg *queue.Message, logger *slog.Logger) error {
	j, err := w.store.Get(ctx, msg.JobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("Dropping message for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if j.State.Terminal() {
		logger.Info("Job already finished, acknowledging duplicate", "state", j.State)
		return nil
	}

	if msg.Deliveries > w.config.MaxDeliveries {
		reason := apperrors.Dispatch("deliver", fmt.Errorf("gave up after %d deliveries", msg.Deliveries-1)).Error()
		logger.Warn("Delivery limit reached, failing job")
		if _, err := w.runner.Fail(ctx, j.ID, reason); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		w.failed.Add(1)
		return nil
	}

	final, err := w.runner.Run(ctx, j.ID)
	if err != nil {
		return err
	}
	switch final.State {
	case job.StateDone:
		w.done.Add(1)
	case job.StateFailed:
		w.failed.Add(1)
	default:
		return fmt.Errorf("job %s left %s after execution", final.ID, final.State)
	}
	return nil
}

// keepAlive renews the lease until the returned stop function is called.
func (w *Worker) keepAlive(ctx context.Context, msg *queue.Message, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(w.config.Lease/3, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(ctx, msg.ID, w.id, w.config.Lease); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("Lease renewal failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) ack(ctx context.Context, msg *queue.Message, logger *slog.Logger) error {
	if err := w.queue.Ack(ctx, msg.ID, w.id); err != nil {
		w.errors.Add(1)
		logger.Warn("Ack failed", "error", err)
		return err
	}
	w.acked.Add(1)
	if w.metrics != nil {
		w.metrics.RecordAcked(ctx)
	}
	return nil
}

func (w *Worker) release(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	if err := w.queue.Release(ctx, msg.ID, w.id); err != nil {
		// The lease still expires on its own.
		logger.Warn("Release failed", "error", err)
		return
	}
	w.released.Add(1)
	if w.metrics != nil {
		w.metrics.RecordReleased(ctx)
	}
}
