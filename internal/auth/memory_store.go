package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key // by prefix
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Key)}
}

// Put inserts or replaces a key, indexed by its prefix.
func (s *MemoryStore) Put(key *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Prefix] = key
}

func (s *MemoryStore) GetByPrefix(_ context.Context, prefix string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[prefix]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == id {
			t := at
			key.LastUsedAt = &t
			return nil
		}
	}
	return ErrKeyNotFound
}
