package history

import (
	"context"
	"sync"
	"time"

	"github.com/freitascorp/handraise/pkg/ask"
)

// DefaultLimit bounds the in-memory history when no limit is configured.
const DefaultLimit = 100

// MemoryStore keeps the N most recent records in memory, evicting the
// oldest first. Non-durable; the default backend for interactive use.
type MemoryStore struct {
	mu    sync.Mutex
	limit int
	order []string // insertion order, oldest first
	byID  map[string]*Record
}

// NewMemoryStore creates a bounded in-memory store. limit <= 0 uses
// DefaultLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{
		limit: limit,
		byID:  make(map[string]*Record),
	}
}

func (s *MemoryStore) Open(_ context.Context, rec *Record) error {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
	return nil
}

func (s *MemoryStore) Close(_ context.Context, id string, status ask.Status, answer, errMsg string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		// Already evicted by the FIFO bound; nothing to update.
		return nil
	}
	rec.Status = status
	rec.Answer = answer
	rec.Error = errMsg
	rec.ResolvedAt = resolvedAt
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.byID[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Shutdown() error { return nil }
