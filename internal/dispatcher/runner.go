package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tilemath/internal/apperrors"
	"tilemath/internal/executor"
	"tilemath/internal/job"
	"tilemath/internal/observability"
)

// Runner drives one job through RUNNING to a terminal state.
// It is shared by the inline dispatcher and queue workers.
type Runner struct {
	store   job.Store
	exec    executor.Executor
	metrics MetricsRecorder
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a runner. metrics may be nil.
func NewRunner(store job.Store, exec executor.Executor, metrics MetricsRecorder, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Runner{
		store:   store,
		exec:    exec,
		metrics: metrics,
		timeout: timeout,
		logger:  slog.With("component", "runner"),
	}
}

// Run executes the job identified by id and returns its final record.
//
// A job that is already terminal is returned unchanged. A job already RUNNING
// is a redelivery and is executed again. Execution failures finish the job
// FAILED and are not returned as errors; an error means the store could not
// be read or written, or ctx ended before a result was recorded, and the job
// may still be RUNNING.
func (r *Runner) Run(ctx context.Context, id string) (*job.Job, error) {
	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	logger := r.logger.With("jobId", id)

	if err := j.Spec.Validate(); err != nil {
		logger.Warn("Rejecting job with invalid spec", "error", err)
		return r.finish(ctx, id, job.StateFailed, job.Update{Error: err.Error()})
	}

	start := time.Now()
	if j.State == job.StateQueued {
		j, err = r.store.Transition(ctx, id, job.StateRunning, job.Update{})
		if errors.Is(err, apperrors.ErrConflict) {
			// Someone else moved it first.
			if j, err = r.store.Get(ctx, id); err != nil {
				return nil, err
			}
			if j.State.Terminal() {
				return j, nil
			}
		} else if err != nil {
			return nil, err
		}
	} else {
		logger.Info("Re-executing job left RUNNING by a previous delivery")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spec := j.Spec
	if r.metrics != nil {
		r.metrics.RecordJobStarted(ctx, spec.Op, spec.Dtype)
		defer r.metrics.RecordJobStopped(ctx, spec.Op, spec.Dtype)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	computeStart := time.Now()
	result, execErr := r.exec.Execute(execCtx, spec)
	computeMs := msSince(computeStart)
	deadline := execCtx.Err()
	cancel()
	wallMs := msSince(start)

	timings := job.Update{WallTimeMs: &wallMs, ComputeTimeMs: &computeMs}
	switch {
	case execErr == nil:
		timings.Result = result
		logger.Info("Job executed", "mode", result.Mode, "computeMs", computeMs)
		return r.finish(ctx, id, job.StateDone, timings)

	case ctx.Err() != nil:
		// Shutdown, not a job failure. Leave it RUNNING for redelivery.
		return nil, ctx.Err()

	case errors.Is(deadline, context.DeadlineExceeded):
		timings.Error = apperrors.Timeout("execute", fmt.Sprintf("execution exceeded %s", r.timeout)).Error()

	case errors.Is(execErr, apperrors.ErrValidation):
		timings.Error = execErr.Error()

	default:
		timings.Error = apperrors.Execution(spec.Op, execErr).Error()
	}
	logger.Warn("Job execution failed", "error", timings.Error)
	return r.finish(ctx, id, job.StateFailed, timings)
}

// Fail moves the job to FAILED with reason and records the completion.
// A Conflict error means the job already finished.
func (r *Runner) Fail(ctx context.Context, id, reason string) (*job.Job, error) {
	j, err := r.store.Transition(ctx, id, job.StateFailed, job.Update{Error: reason})
	if err != nil {
		return nil, err
	}
	r.recordCompletion(ctx, j)
	return j, nil
}

// finish records the terminal transition. Losing the race to another writer
// (usually the reaper) is not an error: the winner's record is returned.
func (r *Runner) finish(ctx context.Context, id string, to job.State, upd job.Update) (*job.Job, error) {
	// The result must be written even if the caller is going away.
	ctx = context.WithoutCancel(ctx)

	j, err := r.store.Transition(ctx, id, to, upd)
	if errors.Is(err, apperrors.ErrConflict) {
		r.logger.Warn("Job finished elsewhere, discarding result", "jobId", id, "state", to)
		return r.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.recordCompletion(ctx, j)
	return j, nil
}

func (r *Runner) recordCompletion(ctx context.Context, j *job.Job) {
	if r.metrics == nil || j.FinishedAt == nil {
		return
	}
	r.metrics.RecordJobCompleted(ctx, observability.Completion{
		JobID:      j.ID,
		Op:         j.Spec.Op,
		Dtype:      j.Spec.Dtype,
		Simulate:   j.Spec.Simulate,
		State:      string(j.State),
		EndToEndMs: float64(j.FinishedAt.Sub(j.CreatedAt)) / float64(time.Millisecond),
		ComputeMs:  j.ComputeTimeMs,
	})
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
