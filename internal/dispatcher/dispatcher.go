// Package dispatcher moves jobs from QUEUED to a terminal state.
//
// Inline dispatch runs the executor inside the submitting call. Queued
// dispatch appends the job to a queue.Queue; a Pool of Workers claims,
// executes and acknowledges messages, and a Reaper fails RUNNING jobs whose
// execution outlived every possible lease.
package dispatcher

import (
	"context"

	"tilemath/internal/observability"
)

// Dispatch modes.
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

// MetricsRecorder is an optional interface for recording execution metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, op, dtype string)
	RecordJobStopped(ctx context.Context, op, dtype string)
	RecordJobCompleted(ctx context.Context, c observability.Completion)
	RecordClaimed(ctx context.Context, redelivered bool)
	RecordAcked(ctx context.Context)
	RecordReleased(ctx context.Context)
	RecordEnqueueFailed(ctx context.Context)
	RecordQueueDepth(ctx context.Context, depth int64)
}

// Stats holds worker statistics.
type Stats struct {
	Workers     int   // running worker goroutines
	Claimed     int64 // messages claimed
	Redelivered int64 // claims of previously delivered messages
	Done        int64 // jobs finished DONE
	Failed      int64 // jobs finished FAILED
	Acked       int64 // messages acknowledged
	Released    int64 // claims given back for redelivery
	Errors      int64 // store or queue errors while processing
}

func (s Stats) add(o Stats) Stats {
	s.Claimed += o.Claimed
	s.Redelivered += o.Redelivered
	s.Done += o.Done
	s.Failed += o.Failed
	s.Acked += o.Acked
	s.Released += o.Released
	s.Errors += o.Errors
	return s
}
