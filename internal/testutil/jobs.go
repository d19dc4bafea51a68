package testutil

import (
	"context"
	"testing"

	"tilemath/internal/job"
)

// WaitForState polls store until the job reaches want and returns it.
// Fails the test on timeout, reporting the last state seen.
func WaitForState(tb testing.TB, store job.Store, id string, want job.State, opts ...WaitOption) *job.Job {
	tb.Helper()

	last, ok := Poll(tb, func() (*job.Job, error) {
		return store.Get(context.Background(), id)
	}, func(j *job.Job) bool {
		return j.State == want
	}, opts...)
	if !ok {
		state := job.State("<missing>")
		if last != nil {
			state = last.State
		}
		tb.Fatalf("timed out waiting for job %s to reach %s (current: %s)", id, want, state)
	}
	return last
}
