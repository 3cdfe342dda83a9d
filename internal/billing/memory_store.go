package billing

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory transaction store. The bundle engine's
// in-memory store reaches into it during finalization, mirroring how the
// SQL stores share one transactions table.
type MemoryStore struct {
	mu  sync.RWMutex
	txs []*Transaction
}

// NewMemoryStore creates an empty in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.txs = append(s.txs, &cp)
	return nil
}

// ByRequestID returns the stored transaction for a request, or nil.
func (s *MemoryStore) ByRequestID(requestID string) *Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txs {
		if tx.RequestID == requestID {
			cp := *tx
			return &cp
		}
	}
	return nil
}

// BySession returns copies of a session's step transactions ordered by
// step index ascending, then creation time descending.
func (s *MemoryStore) BySession(sessionID string) []*Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.BundleSessionID == sessionID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ii, jj := stepIndexOf(out[i]), stepIndexOf(out[j])
		if ii != jj {
			return ii < jj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Apply rewrites a stored transaction in place by ID.
func (s *MemoryStore) Apply(id string, fn func(tx *Transaction)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.ID == id {
			fn(tx)
			return true
		}
	}
	return false
}

func stepIndexOf(tx *Transaction) int {
	if tx.BundleStepIndex == nil {
		return -1
	}
	return *tx.BundleStepIndex
}
