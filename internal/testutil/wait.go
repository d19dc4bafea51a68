// Package testutil provides polling helpers for tests that wait on
// asynchronous workers.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func options(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Poll calls fetch until accept reports true for its value or the timeout
// passes. Errors from fetch count as a miss. It returns the last value fetched
// without error and whether it was accepted.
func Poll[T any](tb testing.TB, fetch func() (T, error), accept func(T) bool, opts ...WaitOption) (T, bool) {
	tb.Helper()

	o := options(opts)
	var last T
	deadline := time.Now().Add(o.Timeout)
	for {
		v, err := fetch()
		if err == nil {
			last = v
			if accept(v) {
				return v, true
			}
		}
		if !time.Now().Add(o.Interval).Before(deadline) {
			return last, false
		}
		time.Sleep(o.Interval)
	}
}

// WaitFor polls until condition returns true or the timeout passes.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := Poll(tb, func() (bool, error) { return condition(), nil }, func(b bool) bool { return b }, opts...)
	return ok
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}
