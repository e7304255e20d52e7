package telemetry

import (
	"sync"
	"time"

	"examguard/internal/model"
)

// Store keeps the most recent violations in memory for the status API and
// the operator CLI. Oldest entries fall off once the limit is reached.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Violation
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(v model.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, v)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = v
}

func (s *Store) List(limit int) []model.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Violation, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Violation, 0)
	for _, v := range s.buf {
		if !v.OccurredAt.Before(ts) {
			out = append(out, v)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
