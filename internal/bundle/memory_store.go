package bundle

import (
	"context"
	"sync"
	"time"

	"github.com/nexusx/gateway/internal/billing"
)

// MemoryStore keeps sessions, settlements and wallet balances in memory.
// One mutex serializes finalization, which stands in for the serializable
// transaction the SQL store uses.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	settlements map[string][]SettlementRow
	wallets     map[string]int64
	txs         *billing.MemoryStore
}

// NewMemoryStore creates an in-memory bundle store sharing the given
// transaction store, mirroring the shared transactions table in SQL.
func NewMemoryStore(txs *billing.MemoryStore) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		settlements: make(map[string][]SettlementRow),
		wallets:     make(map[string]int64),
		txs:         txs,
	}
}

// SetBalance sets a buyer's wallet balance in micro-USDC.
func (s *MemoryStore) SetBalance(buyerID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[buyerID] = balance
}

// Balance returns a buyer's wallet balance.
func (s *MemoryStore) Balance(buyerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[buyerID]
}

// SettlementRows returns a copy of a session's stored settlement rows.
func (s *MemoryStore) SettlementRows(sessionID string) []SettlementRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SettlementRow(nil), s.settlements[sessionID]...)
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markExpiredLocked(id)
}

func (s *MemoryStore) markExpiredLocked(id string) error {
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status == StatusRegistered || sess.Status == StatusInProgress {
		sess.Status = StatusExpired
		sess.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) ExpiredCandidates(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if (sess.Status == StatusRegistered || sess.Status == StatusInProgress) && sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RunFinalize holds the store lock for the whole callback. Error paths
// leave exactly the writes fn performed before failing, which matches the
// SQL store's partial-commit handling for expiry and insufficient funds.
func (s *MemoryStore) RunFinalize(_ context.Context, fn func(tx FinalizeTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{store: s})
}

type memTx struct {
	store *MemoryStore
}

func (t *memTx) Session(id string) (*Session, error) {
	sess, ok := t.store.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (t *memTx) Claim(id, buyerID string) (bool, error) {
	sess, ok := t.store.sessions[id]
	if !ok || sess.BuyerID != buyerID {
		return false, nil
	}
	if sess.Status != StatusRegistered && sess.Status != StatusInProgress {
		return false, nil
	}
	sess.Status = StatusInProgress
	sess.UpdatedAt = time.Now()
	return true, nil
}

func (t *memTx) MarkExpired(id string) error {
	return t.store.markExpiredLocked(id)
}

func (t *memTx) Steps(sessionID string) ([]*billing.Transaction, error) {
	var out []*billing.Transaction
	for _, tx := range t.store.txs.BySession(sessionID) {
		if tx.Status == billing.StatusPending || tx.Status == billing.StatusConfirmed {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (t *memTx) DebitWallet(buyerID string, amount int64) (bool, error) {
	balance := t.store.wallets[buyerID]
	if balance < amount {
		return false, nil
	}
	t.store.wallets[buyerID] = balance - amount
	return true, nil
}

func (t *memTx) ConfirmStep(txID string, allocPrice, allocFee, allocProvider, feeRate int64) error {
	now := time.Now()
	t.store.txs.Apply(txID, func(tx *billing.Transaction) {
		tx.Status = billing.StatusConfirmed
		tx.SettledViaBundle = true
		tx.Price = allocPrice
		tx.PlatformFee = allocFee
		tx.ProviderAmount = allocProvider
		tx.FeeRateApplied = feeRate
		tx.UpdatedAt = now
	})
	return nil
}

func (t *memTx) FailTransaction(txID string) error {
	t.store.txs.Apply(txID, func(tx *billing.Transaction) {
		tx.Status = billing.StatusFailed
		tx.UpdatedAt = time.Now()
	})
	return nil
}

func (t *memTx) ReplaceSettlements(sessionID string, rows []SettlementRow) error {
	t.store.settlements[sessionID] = append([]SettlementRow(nil), rows...)
	return nil
}

func (t *memTx) FinalizeSession(sess *Session) error {
	t.store.sessions[sess.ID] = sess.Clone()
	return nil
}

func (t *memTx) Settlements(sessionID string) ([]SettlementRow, error) {
	return append([]SettlementRow(nil), t.store.settlements[sessionID]...), nil
}

// Compile-time assertions.
var (
	_ Store      = (*MemoryStore)(nil)
	_ FinalizeTx = (*memTx)(nil)
)
