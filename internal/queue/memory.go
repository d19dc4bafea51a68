package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"tilemath/internal/job"
)

type entry struct {
	msg     Message
	owner   string
	expires time.Time
}

// Memory is an in-process Queue. It is durable for the life of the process.
type Memory struct {
	mu      sync.Mutex
	entries []*entry
	seq     uint64
	closed  bool
	now     func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (q *Memory) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue appends a message.
func (q *Memory) Enqueue(_ context.Context, jobID string, spec job.Spec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.seq++
	id := strconv.FormatUint(q.seq, 10)
	q.entries = append(q.entries, &entry{msg: Message{
		ID:         id,
		JobID:      jobID,
		Spec:       spec,
		SpecJSON:   string(raw),
		EnqueuedAt: q.now(),
	}})
	return id, nil
}

// Claim takes the oldest claimable message.
func (q *Memory) Claim(_ context.Context, owner string, lease time.Duration) (*Message, error) {
	return q.claim(owner, lease, func(*entry) bool { return true })
}

// ClaimJob takes the oldest claimable message for jobID.
func (q *Memory) ClaimJob(_ context.Context, jobID, owner string, lease time.Duration) (*Message, error) {
	return q.claim(owner, lease, func(e *entry) bool { return e.msg.JobID == jobID })
}

func (q *Memory) claim(owner string, lease time.Duration, match func(*entry) bool) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()
	for _, e := range q.entries {
		if !match(e) || q.heldByOther(e, "", now) {
			continue
		}
		e.owner = owner
		e.expires = now.Add(lease)
		e.msg.Deliveries++
		msg := e.msg
		return &msg, nil
	}
	return nil, ErrEmpty
}

// Extend renews the lease.
func (q *Memory) Extend(_ context.Context, msgID, owner string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.find(msgID)
	if e == nil {
		return nil
	}
	now := q.now()
	if q.heldByOther(e, owner, now) {
		return ErrClaimLost
	}
	e.owner = owner
	e.expires = now.Add(lease)
	return nil
}

// Ack removes the message.
func (q *Memory) Ack(_ context.Context, msgID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.msg.ID != msgID {
			continue
		}
		if q.heldByOther(e, owner, q.now()) {
			return ErrClaimLost
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}
	return nil
}

// Release drops owner's claim.
func (q *Memory) Release(_ context.Context, msgID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.find(msgID)
	if e == nil {
		return nil
	}
	if e.owner != owner {
		return ErrClaimLost
	}
	e.owner = ""
	e.expires = time.Time{}
	return nil
}

// List returns all messages in log order.
func (q *Memory) List(context.Context) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.msg
	}
	return out, nil
}

// Len returns the number of messages.
func (q *Memory) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// Ping reports whether the queue is open.
func (q *Memory) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close rejects further enqueues and claims.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// heldByOther reports whether a consumer other than owner holds a live claim.
// Must be called with q.mu held.
func (q *Memory) heldByOther(e *entry, owner string, now time.Time) bool {
	return e.owner != "" && e.owner != owner && now.Before(e.expires)
}

func (q *Memory) find(msgID string) *entry {
	for _, e := range q.entries {
		if e.msg.ID == msgID {
			return e
		}
	}
	return nil
}
