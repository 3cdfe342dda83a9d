package listing

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	bySlug map[string]*Route
	byID   map[string]*Route
}

// NewMemoryStore creates an empty in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySlug: make(map[string]*Route),
		byID:   make(map[string]*Route),
	}
}

// Put inserts or replaces a route.
func (s *MemoryStore) Put(route *Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySlug[route.Slug] = route
	s.byID[route.ID] = route
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	route, ok := s.bySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	c := *route
	return &c, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	route, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *route
	return &c, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
