// Package storetest holds behaviour tests shared by every job.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) job.Store

func sampleSpec() job.Spec {
	return job.Spec{Op: "gemm", M: 8, N: 8, K: 8, Dtype: "fp32", Repeats: 1, Seed: 7}
}

func result() *job.ResultSummary {
	mean := 0.25
	return &job.ResultSummary{Mode: job.ModeCPUGemm, Checksum: "abc", Mean: &mean}
}

func f(v float64) *float64 { return &v }

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		created, err := s.Create(ctx, sampleSpec())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if len(created.ID) != 32 {
			t.Errorf("Expected 32 character id, got %q", created.ID)
		}
		if created.State != job.StateQueued {
			t.Errorf("Expected QUEUED, got %s", created.State)
		}

		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Spec != sampleSpec() {
			t.Errorf("Expected spec %+v, got %+v", sampleSpec(), got.Spec)
		}
		if got.State != job.StateQueued {
			t.Errorf("Expected QUEUED, got %s", got.State)
		}
		if got.CreatedAt.IsZero() || got.StartedAt != nil || got.FinishedAt != nil {
			t.Errorf("Unexpected timestamps: %+v", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TransitionLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.Create(ctx, sampleSpec())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		running, err := s.Transition(ctx, created.ID, job.StateRunning, job.Update{})
		if err != nil {
			t.Fatalf("Transition(RUNNING) error = %v", err)
		}
		if running.StartedAt == nil {
			t.Fatal("Expected started_at to be set")
		}

		done, err := s.Transition(ctx, created.ID, job.StateDone, job.Update{
			Result:        result(),
			WallTimeMs:    f(12.5),
			ComputeTimeMs: f(10),
		})
		if err != nil {
			t.Fatalf("Transition(DONE) error = %v", err)
		}
		if done.FinishedAt == nil {
			t.Fatal("Expected finished_at to be set")
		}

		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.State != job.StateDone {
			t.Errorf("Expected DONE, got %s", got.State)
		}
		if got.Result == nil || got.Result.Checksum != "abc" || got.Result.Mean == nil || *got.Result.Mean != 0.25 {
			t.Errorf("Unexpected result: %+v", got.Result)
		}
		if got.WallTimeMs == nil || *got.WallTimeMs != 12.5 {
			t.Errorf("Expected wall time 12.5, got %v", got.WallTimeMs)
		}
		if got.ComputeTimeMs == nil || *got.ComputeTimeMs != 10 {
			t.Errorf("Expected compute time 10, got %v", got.ComputeTimeMs)
		}
		if got.Error != "" {
			t.Errorf("Expected no error, got %q", got.Error)
		}
		if got.StartedAt.Before(got.CreatedAt) || got.FinishedAt.Before(*got.StartedAt) {
			t.Errorf("Timestamps out of order: created %v started %v finished %v", got.CreatedAt, got.StartedAt, got.FinishedAt)
		}
	})

	t.Run("QueuedToFailed", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.Create(ctx, sampleSpec())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.Transition(ctx, created.ID, job.StateFailed, job.Update{Error: "dispatch failed"}); err != nil {
			t.Fatalf("Transition(FAILED) error = %v", err)
		}
		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.State != job.StateFailed || got.Error != "dispatch failed" {
			t.Errorf("Expected FAILED with error, got %s %q", got.State, got.Error)
		}
		if got.Result != nil {
			t.Errorf("Expected no result, got %+v", got.Result)
		}
	})

	t.Run("TerminalRejectsTransitions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, _ := s.Create(ctx, sampleSpec())
		if _, err := s.Transition(ctx, created.ID, job.StateRunning, job.Update{}); err != nil {
			t.Fatalf("Transition(RUNNING) error = %v", err)
		}
		if _, err := s.Transition(ctx, created.ID, job.StateDone, job.Update{Result: result()}); err != nil {
			t.Fatalf("Transition(DONE) error = %v", err)
		}
		before, _ := s.Get(ctx, created.ID)

		for _, to := range []job.State{job.StateQueued, job.StateRunning, job.StateDone, job.StateFailed} {
			_, err := s.Transition(ctx, created.ID, to, job.Update{Result: result(), Error: "late"})
			if !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("Transition(%s) on DONE job: expected ErrConflict, got %v", to, err)
			}
		}

		after, _ := s.Get(ctx, created.ID)
		if after.State != job.StateDone || after.Error != "" || after.Result.Checksum != before.Result.Checksum {
			t.Errorf("Terminal job changed: before %+v after %+v", before, after)
		}
		if !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Errorf("Expected updated_at unchanged, got %v -> %v", before.UpdatedAt, after.UpdatedAt)
		}
	})

	t.Run("TransitionNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Transition(context.Background(), "missing", job.StateRunning, job.Update{})
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentTransitionsOneWinner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, _ := s.Create(ctx, sampleSpec())

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Transition(ctx, created.ID, job.StateRunning, job.Update{}); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("Expected exactly one successful claim, got %d", wins.Load())
		}
	})

	t.Run("ListRunningAndCount", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		a, _ := s.Create(ctx, sampleSpec())
		b, _ := s.Create(ctx, sampleSpec())
		if _, err := s.Create(ctx, sampleSpec()); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.Transition(ctx, a.ID, job.StateRunning, job.Update{}); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if _, err := s.Transition(ctx, b.ID, job.StateRunning, job.Update{}); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if _, err := s.Transition(ctx, b.ID, job.StateFailed, job.Update{Error: "boom"}); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}

		running, err := s.ListRunning(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListRunning() error = %v", err)
		}
		if len(running) != 1 || running[0].ID != a.ID {
			t.Errorf("Expected only %s running, got %+v", a.ID, running)
		}

		none, err := s.ListRunning(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListRunning() error = %v", err)
		}
		if len(none) != 0 {
			t.Errorf("Expected no jobs started an hour ago, got %d", len(none))
		}

		n, err := s.Count(ctx)
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if n != 3 {
			t.Errorf("Expected 3 jobs, got %d", n)
		}
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, _ := s.Create(ctx, sampleSpec())
		got, _ := s.Get(ctx, created.ID)
		got.State = job.StateDone
		got.Spec.M = 999

		again, _ := s.Get(ctx, created.ID)
		if again.State != job.StateQueued || again.Spec.M != 8 {
			t.Errorf("Mutating a returned job changed the store: %+v", again)
		}
	})
}
