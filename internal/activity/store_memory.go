package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store used by unit tests. It mirrors the
// Postgres semantics: idempotent appends, no-op deletes for absent users.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]Activity)}
}

func (s *MemoryStore) Append(_ context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; ok {
		return nil
	}
	s.rows[a.ID] = a
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Activity
	for _, a := range s.rows {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Activity, 0, len(s.rows))
	for _, a := range s.rows {
		out = append(out, a)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByUser(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.rows {
		if a.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.rows {
		if a.UserID == userID {
			delete(s.rows, id)
		}
	}
	return nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.rows {
		if a.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(items []Activity) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
