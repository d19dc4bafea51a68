package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
	"tilemath/internal/queue"
	"tilemath/pkg/backoff"
	"tilemath/pkg/circuitbreaker"
)

// Queued appends jobs to a queue for workers to execute.
type Queued struct {
	queue    queue.Queue
	runner   *Runner
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  backoff.Config
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewQueued creates a queued dispatcher. runner is used only to fail jobs
// that cannot be enqueued; metrics may be nil.
func NewQueued(q queue.Queue, runner *Runner, cfg Config, metrics MetricsRecorder) *Queued {
	cfg = cfg.withDefaults()
	return &Queued{
		queue:  q,
		runner: runner,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		attempts: cfg.EnqueueAttempts,
		backoff: backoff.Config{
			Initial: defaultEnqueueBackoff,
			Max:     defaultEnqueueMaxWait,
			Jitter:  0.2,
		},
		metrics: metrics,
		logger:  slog.With("component", "dispatcher", "mode", ModeQueue),
	}
}

// Dispatch enqueues j, retrying transient failures. When every attempt fails,
// or the breaker is open, the job is moved to FAILED and a Dispatch error is
// returned.
func (d *Queued) Dispatch(ctx context.Context, j *job.Job) error {
	logger := d.logger.With("jobId", j.ID)

	var lastErr error
	for attempt := range d.attempts {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, attempt, &d.backoff); err != nil {
				lastErr = err
				break
			}
		}

		var msgID string
		lastErr = d.breaker.Do(func() error {
			var err error
			msgID, err = d.queue.Enqueue(ctx, j.ID, j.Spec)
			return err
		})
		if lastErr == nil {
			logger.Debug("Job enqueued", "messageId", msgID, "attempt", attempt+1)
			return nil
		}
		if errors.Is(lastErr, queue.ErrClosed) || errors.Is(lastErr, circuitbreaker.ErrOpen) {
			break
		}
		logger.Warn("Enqueue failed", "attempt", attempt+1, "error", lastErr)
	}

	dispatchErr := apperrors.Dispatch("enqueue", lastErr)
	if d.metrics != nil {
		d.metrics.RecordEnqueueFailed(ctx)
	}
	if _, err := d.runner.Fail(context.WithoutCancel(ctx), j.ID, dispatchErr.Error()); err != nil {
		logger.Error("Could not mark undispatchable job failed", "error", err)
	}
	return dispatchErr
}

// Mode returns ModeQueue.
func (d *Queued) Mode() string { return ModeQueue }

var _ job.Dispatcher = (*Queued)(nil)
