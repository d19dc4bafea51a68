// Package memory provides an in-process job store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

// record guards one job so transitions on different ids never contend.
type record struct {
	mu  sync.Mutex
	job *job.Job
}

// Store keeps job records in a map. The map lock is held only for lookups
// and inserts; transitions take the per-record lock.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*record
	now  func() time.Time
}

// Make sure we conform to the job.Store interface
var _ job.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new QUEUED job.
func (s *Store) Create(_ context.Context, spec job.Spec) (*job.Job, error) {
	j := job.New(spec, s.now())

	s.mu.Lock()
	s.jobs[j.ID] = &record{job: j}
	s.mu.Unlock()

	return j.Clone(), nil
}

// Get returns a copy of the job.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

// Transition applies a state change under the job's lock.
func (s *Store) Transition(_ context.Context, id string, to job.State, upd job.Update) (*job.Job, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.job.Clone()
	if err := job.Apply(next, to, upd, s.now()); err != nil {
		return nil, err
	}
	rec.job = next
	return next.Clone(), nil
}

// ListRunning returns RUNNING jobs started before the cutoff, oldest first.
func (s *Store) ListRunning(_ context.Context, startedBefore time.Time) ([]job.Job, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []job.Job
	for _, rec := range recs {
		rec.mu.Lock()
		j := rec.job
		if j.State == job.StateRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, *j.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(*out[b].StartedAt) })
	return out, nil
}

// Count returns the number of stored jobs.
func (s *Store) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.jobs)), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok
}
