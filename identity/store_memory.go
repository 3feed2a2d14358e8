package identity

import (
	"context"
	"strings"
	"sync"
)

// MemoryProfileStore is an in-memory ProfileStore for dev and tests.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryProfileStore returns a store seeded with profiles.
func NewMemoryProfileStore(profiles ...Profile) *MemoryProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Put inserts or replaces a profile.
func (s *MemoryProfileStore) Put(p Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// FindByID implements ProfileStore.
func (s *MemoryProfileStore) FindByID(ctx context.Context, id string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, OpError{Op: "identity.FindByID", Kind: ErrInvalidInput, Msg: "empty id"}
	}

	s.mu.RLock()
	p, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &p, nil
}
