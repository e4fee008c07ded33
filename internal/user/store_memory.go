package user

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pulse/pkg/platform/sentinel"
)

// MemoryStore is the in-memory Store used by unit tests. It enforces the
// same unique-email semantics as the Postgres implementation, including
// under concurrent creates.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]User)}
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emailTaken(email, uuid.Nil), nil
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTaken(u.Email, uuid.Nil) {
		return sentinel.ErrConflict
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return sentinel.ErrNotFound
	}
	if s.emailTaken(u.Email, u.ID) {
		return sentinel.ErrConflict
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) Page(_ context.Context, limit, offset int, search string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]User, 0, len(s.users))
	needle := strings.ToLower(search)
	for _, u := range s.users {
		if search == "" ||
			strings.Contains(strings.ToLower(u.Name), needle) ||
			strings.Contains(strings.ToLower(u.Email), needle) {
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*User, len(matched))
	for i := range matched {
		u := matched[i]
		out[i] = &u
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, search string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	needle := strings.ToLower(search)
	for _, u := range s.users {
		if search == "" ||
			strings.Contains(strings.ToLower(u.Name), needle) ||
			strings.Contains(strings.ToLower(u.Email), needle) {
			n++
		}
	}
	return n, nil
}

// emailTaken must be called with the lock held. except skips the row being
// updated so a user can keep its own email.
func (s *MemoryStore) emailTaken(email string, except uuid.UUID) bool {
	for _, u := range s.users {
		if u.Email == email && u.ID != except {
			return true
		}
	}
	return false
}
