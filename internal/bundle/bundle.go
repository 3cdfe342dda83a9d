// Package bundle manages bundle execution sessions: registration, step
// admission on the proxy path, and atomic finalization with
// largest-remainder settlement allocation.
package bundle

import (
	"context"
	"errors"
	"time"

	"github.com/nexusx/gateway/internal/billing"
)

// SessionStatus is a bundle session lifecycle state. Transitions never
// reverse; FINALIZED is terminal.
type SessionStatus string

const (
	StatusRegistered SessionStatus = "REGISTERED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusFinalized  SessionStatus = "FINALIZED"
	StatusExpired    SessionStatus = "EXPIRED"
	StatusFailed     SessionStatus = "FAILED"
	StatusCancelled  SessionStatus = "CANCELLED"
)

var (
	ErrNotFound          = errors.New("bundle: session not found")
	ErrForbidden         = errors.New("bundle: session belongs to another buyer")
	ErrConflict          = errors.New("bundle: concurrent finalization in progress")
	ErrExpired           = errors.New("bundle: session has expired")
	ErrClosed            = errors.New("bundle: session is closed")
	ErrInvalidInput      = errors.New("bundle: invalid registration input")
	ErrInvalidContext    = errors.New("bundle: bundle headers not permitted in this mode")
	ErrStepMismatch      = errors.New("bundle: listing does not match the step at this index")
	ErrInsufficientFunds = errors.New("bundle: wallet balance below billed price")
)

// Session is a bundle execution session. Money fields are USDC
// micro-units; the fee rate is on the 4-decimal grid. The executed and
// billed amounts stay zero until finalization writes them.
type Session struct {
	ID              string                 `json:"id"`
	BuyerID         string                 `json:"buyerId"`
	APIKeyID        string                 `json:"apiKeyId"`
	BundleSlug      string                 `json:"bundleSlug"`
	ToolSlugs       []string               `json:"toolSlugs"`
	Status          SessionStatus          `json:"status"`
	RegisteredGross int64                  `json:"registeredGrossUsdc"`
	TargetPrice     int64                  `json:"targetPriceUsdc"`
	ExecutedGross   int64                  `json:"executedGrossUsdc"`
	BilledPrice     int64                  `json:"billedPriceUsdc"`
	Discount        int64                  `json:"discountUsdc"`
	PlatformFee     int64                  `json:"platformFeeUsdc"`
	ProviderPool    int64                  `json:"providerPoolUsdc"`
	FeeRate         int64                  `json:"platformFeeRate"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ExpiresAt       time.Time              `json:"expiresAt"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	FinalizedAt     *time.Time             `json:"finalizedAt,omitempty"`
}

// Expired reports whether the session's expiry instant has passed.
// An expiry of exactly now counts as expired.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe for the caller to mutate.
func (s *Session) Clone() *Session {
	cp := *s
	cp.ToolSlugs = append([]string(nil), s.ToolSlugs...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

// SettlementRow is one provider's share of a finalized session. The
// weight is rounded to 8 decimals; allocated amounts are exact on the
// 6-decimal grid and sum to the session's billed price.
type SettlementRow struct {
	SessionID      string  `json:"bundleSessionId"`
	TransactionID  string  `json:"transactionId"`
	ProviderID     string  `json:"providerId"`
	ListingID      string  `json:"listingId"`
	ListPrice      int64   `json:"listPriceUsdc"`
	Weight         float64 `json:"weight"`
	AllocatedPrice int64   `json:"allocatedPriceUsdc"`
	PlatformFee    int64   `json:"platformFeeUsdc"`
	ProviderAmount int64   `json:"providerAmountUsdc"`
}

// FinalizeResult is what a finalize call returns, and what a replayed
// finalize of an already FINALIZED session reproduces.
type FinalizeResult struct {
	Session     *Session        `json:"session"`
	Allocations []SettlementRow `json:"allocations"`
}

// Store persists sessions and settlement rows.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	MarkExpired(ctx context.Context, id string) error
	// ExpiredCandidates lists ids of REGISTERED or IN_PROGRESS sessions
	// whose expiry has passed, for the background sweeper.
	ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error)
	// RunFinalize executes fn inside a serializable transaction. A fn
	// error rolls everything back, except ErrInsufficientFunds which
	// commits the claim alone (fn performs no other writes before it).
	RunFinalize(ctx context.Context, fn func(tx FinalizeTx) error) error
}

// FinalizeTx is the transactional surface the finalizer runs against.
type FinalizeTx interface {
	Session(id string) (*Session, error)
	// Claim moves the session to IN_PROGRESS for this buyer, from
	// REGISTERED or from a prior abandoned IN_PROGRESS claim. Reports
	// whether a row changed.
	Claim(id, buyerID string) (bool, error)
	MarkExpired(id string) error
	// Steps returns PENDING or CONFIRMED step transactions for the
	// session, ordered by step index ascending then creation descending.
	Steps(sessionID string) ([]*billing.Transaction, error)
	// DebitWallet atomically subtracts amount when balance suffices.
	DebitWallet(buyerID string, amount int64) (bool, error)
	ConfirmStep(txID string, allocPrice, allocFee, allocProvider, feeRate int64) error
	FailTransaction(txID string) error
	ReplaceSettlements(sessionID string, rows []SettlementRow) error
	FinalizeSession(s *Session) error
	Settlements(sessionID string) ([]SettlementRow, error)
}
