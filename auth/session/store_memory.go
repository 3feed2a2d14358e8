package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process RefreshStore and RevocationStore.
//
// It satisfies read-after-write within one process only; use it for dev, tests
// and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	byHash   map[string]RefreshRecord
	byClient map[string]map[string]string // identity -> client id -> token hash
	markers  map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:   make(map[string]RefreshRecord),
		byClient: make(map[string]map[string]string),
		markers:  make(map[string]time.Time),
	}
}

// Save implements RefreshStore.
func (s *MemoryStore) Save(ctx context.Context, rec RefreshRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteClientLocked(rec.Identity, rec.ClientID)

	clients := s.byClient[rec.Identity]
	if clients == nil {
		clients = make(map[string]string)
		s.byClient[rec.Identity] = clients
	}
	clients[rec.ClientID] = rec.TokenHash
	s.byHash[rec.TokenHash] = rec
	return nil
}

// FindByHash implements RefreshStore.
func (s *MemoryStore) FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return RefreshRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[tokenHash]
	if !ok {
		return RefreshRecord{}, ErrRefreshNotFound
	}
	return rec, nil
}

// Consume implements RefreshStore.
func (s *MemoryStore) Consume(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return RefreshRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[tokenHash]
	if !ok {
		return RefreshRecord{}, ErrRefreshNotFound
	}
	delete(s.byHash, tokenHash)
	s.deleteClientLocked(rec.Identity, rec.ClientID)
	return rec, nil
}

// DeleteByIdentity implements RefreshStore.
func (s *MemoryStore) DeleteByIdentity(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.byClient[identity] {
		delete(s.byHash, h)
	}
	delete(s.byClient, identity)
	return nil
}

// DeleteByClientID implements RefreshStore.
func (s *MemoryStore) DeleteByClientID(ctx context.Context, identity, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.deleteClientLocked(identity, clientID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) deleteClientLocked(identity, clientID string) {
	clients := s.byClient[identity]
	h, ok := clients[clientID]
	if !ok {
		return
	}
	delete(s.byHash, h)
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(s.byClient, identity)
	}
}

// Raise implements RevocationStore.
func (s *MemoryStore) Raise(ctx context.Context, identity string, at time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	if cur, ok := s.markers[identity]; ok && !at.After(cur) {
		return cur, nil
	}
	s.markers[identity] = at
	return at, nil
}

// RevokedBefore implements RevocationStore.
func (s *MemoryStore) RevokedBefore(ctx context.Context, identity string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markers[identity]
	return m, ok, nil
}
