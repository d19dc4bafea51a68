// Package job defines the job model, its state machine, and the coordinator service.
package job

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists job records. It is the sole owner of Job state.
//
// Transitions on the same id are serialized; different ids proceed
// independently. Every read returns a copy.
type Store interface {
	// Create stores a new QUEUED job with a fresh id.
	Create(ctx context.Context, spec Spec) (*Job, error)

	// Get returns the job or an apperrors NotFound error.
	Get(ctx context.Context, id string) (*Job, error)

	// Transition atomically moves the job to a new state and writes the
	// fields relevant to it. Invalid transitions return an apperrors
	// Conflict error and leave the record unchanged.
	Transition(ctx context.Context, id string, to State, upd Update) (*Job, error)

	// ListRunning returns RUNNING jobs that started before the given time.
	ListRunning(ctx context.Context, startedBefore time.Time) ([]Job, error)

	// Count returns the number of stored jobs.
	Count(ctx context.Context) (int64, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// NewID returns a fresh job identifier (32 lowercase hex characters).
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New builds a QUEUED job for spec created at now.
func New(spec Spec, now time.Time) *Job {
	return &Job{
		ID:        NewID(),
		Spec:      spec,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
