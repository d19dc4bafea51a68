package observability

import "sync"

// submittedSet remembers the ids of the most recent jobs submitted through
// this process. A completion is counted as jobs_completed only if it claims
// an id from the set, so completed never exceeds submitted here.
type submittedSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	ring  []string // insertion order, oldest at next once full
	next  int
	limit int
}

func newSubmittedSet(limit int) *submittedSet {
	return &submittedSet{
		ids:   make(map[string]struct{}, min(limit, 1024)),
		ring:  make([]string, 0, min(limit, 1024)),
		limit: limit,
	}
}

// add records id, forgetting the oldest id once limit ids are remembered.
func (s *submittedSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.ring) < s.limit {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % s.limit
	}
	s.ids[id] = struct{}{}
}

// take reports whether id was submitted here and forgets it.
func (s *submittedSet) take(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

func (s *submittedSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
