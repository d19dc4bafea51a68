// Package queue provides an ordered, durable log of job messages with
// exclusive, leased claims.
//
// A message stays in the log until it is acknowledged. A claim gives one
// consumer the message for a lease period; when the lease runs out without an
// acknowledgment the message becomes claimable again, so a crashed consumer
// never loses work. Consumers therefore see each message at least once.
package queue

import (
	"context"
	"errors"
	"time"

	"tilemath/internal/job"
)

var (
	// ErrEmpty is returned by Claim when no message is claimable.
	ErrEmpty = errors.New("queue: no claimable message")

	// ErrClaimLost is returned when another consumer holds the claim.
	ErrClaimLost = errors.New("queue: claim held by another consumer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Message is one queued job.
type Message struct {
	ID         string // monotonically increasing within a queue
	JobID      string
	Spec       job.Spec
	SpecJSON   string
	Deliveries int // times claimed, including this one
	EnqueuedAt time.Time
}

// Queue is the log consumed by workers.
type Queue interface {
	// Enqueue appends a message and returns its id.
	Enqueue(ctx context.Context, jobID string, spec job.Spec) (string, error)

	// Claim takes the oldest claimable message for owner. Returns ErrEmpty
	// when nothing is claimable.
	Claim(ctx context.Context, owner string, lease time.Duration) (*Message, error)

	// ClaimJob takes the oldest claimable message for jobID.
	ClaimJob(ctx context.Context, jobID, owner string, lease time.Duration) (*Message, error)

	// Extend renews owner's lease.
	Extend(ctx context.Context, msgID, owner string, lease time.Duration) error

	// Ack removes the message. It fails with ErrClaimLost only when another
	// consumer holds a live claim; acknowledging a removed message is a no-op.
	Ack(ctx context.Context, msgID, owner string) error

	// Release drops owner's claim so the message is redelivered immediately.
	Release(ctx context.Context, msgID, owner string) error

	// List returns all messages in log order.
	List(ctx context.Context) ([]Message, error)

	// Len returns the number of messages in the log.
	Len(ctx context.Context) (int64, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the queue.
	Close() error
}
