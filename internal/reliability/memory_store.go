package reliability

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu         sync.RWMutex
	maxEntries int
	samples    map[string][]Sample
}

// NewMemoryStore creates an in-memory store capped at maxEntries samples
// per slug (MaxEntries if <= 0).
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = MaxEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		samples:    make(map[string][]Sample),
	}
}

func (s *MemoryStore) Record(_ context.Context, slug string, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.samples[slug], sample)
	if excess := len(list) - s.maxEntries; excess > 0 {
		list = list[excess:]
	}
	s.samples[slug] = list
	return nil
}

func (s *MemoryStore) Samples(_ context.Context, slug string) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.samples[slug]))
	copy(out, s.samples[slug])
	return out, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
