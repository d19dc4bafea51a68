package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

// Reaper fails RUNNING jobs that outlived the execution budget plus a grace
// period. Such a job's worker is gone: a live worker would have finished it
// or failed it with a timeout by now.
type Reaper struct {
	store  job.Store
	runner *Runner
	maxAge time.Duration
	every  time.Duration
	logger *slog.Logger
}

// NewReaper creates a reaper.
func NewReaper(store job.Store, runner *Runner, cfg Config) *Reaper {
	cfg = cfg.withDefaults()
	return &Reaper{
		store:  store,
		runner: runner,
		maxAge: cfg.JobTimeout + cfg.ReaperGrace,
		every:  cfg.ReaperInterval,
		logger: slog.With("component", "reaper"),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every stale RUNNING job once and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.store.ListRunning(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, j := range stale {
		reason := apperrors.Timeout("reap", fmt.Sprintf("no result within %s of start; worker presumed lost", r.maxAge)).Error()
		_, err := r.runner.Fail(ctx, j.ID, reason)
		switch {
		case err == nil:
			reaped++
			r.logger.Warn("Reaped stale job", "jobId", j.ID, "startedAt", j.StartedAt)
		case errors.Is(err, apperrors.ErrConflict):
			// Finished while we looked.
		default:
			return reaped, err
		}
	}
	return reaped, nil
}
