package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/idgen"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/traces"
	"github.com/nexusx/gateway/internal/usdc"
)

// RouteSource resolves listings at registration and settlement time.
type RouteSource interface {
	ResolveBySlug(ctx context.Context, slug string) (*listing.Route, error)
	ResolveByID(ctx context.Context, id string) (*listing.Route, error)
}

// Engine owns the bundle session lifecycle. Session state lives in the
// store; the engine never caches it.
type Engine struct {
	store   Store
	routes  RouteSource
	ttl     time.Duration
	feeRate int64 // default 4-decimal bundle fee rate
	logger  *slog.Logger
}

// NewEngine creates a bundle engine with the default session TTL and
// bundle platform fee rate.
func NewEngine(store Store, routes RouteSource, ttl time.Duration, feeRate int64, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		routes:  routes,
		ttl:     ttl,
		feeRate: usdc.ClampRate(feeRate),
		logger:  logger,
	}
}

// RegisterInput is one registration request.
type RegisterInput struct {
	BuyerID     string
	APIKeyID    string
	BundleSlug  string
	ToolSlugs   []string
	TargetPrice int64 // micro-USDC, must be positive
	FeeRate     *int64
	ExpiresAt   *time.Time
	Metadata    map[string]interface{}
}

// Register resolves every step listing and creates a REGISTERED session.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if len(in.ToolSlugs) == 0 {
		return nil, fmt.Errorf("%w: at least one tool slug required", ErrInvalidInput)
	}
	if in.TargetPrice <= 0 {
		return nil, fmt.Errorf("%w: target price must be positive", ErrInvalidInput)
	}

	// Duplicates are permitted and price once per occurrence.
	prices := make(map[string]int64, len(in.ToolSlugs))
	for _, slug := range in.ToolSlugs {
		if _, seen := prices[slug]; seen {
			continue
		}
		route, err := e.routes.ResolveBySlug(ctx, slug)
		if err != nil {
			if errors.Is(err, listing.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown listing %q", ErrInvalidInput, slug)
			}
			return nil, err
		}
		if route.Status != listing.StatusActive {
			return nil, fmt.Errorf("%w: listing %q is not active", ErrInvalidInput, slug)
		}
		prices[slug] = route.Price
	}

	var gross int64
	for _, slug := range in.ToolSlugs {
		gross += prices[slug]
	}
	if in.TargetPrice > gross {
		return nil, fmt.Errorf("%w: target price exceeds registered gross", ErrInvalidInput)
	}

	feeRate := e.feeRate
	if in.FeeRate != nil {
		feeRate = usdc.ClampRate(*in.FeeRate)
	}
	now := time.Now()
	expiresAt := now.Add(e.ttl)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	s := &Session{
		ID:              idgen.WithPrefix("bse_"),
		BuyerID:         in.BuyerID,
		APIKeyID:        in.APIKeyID,
		BundleSlug:      in.BundleSlug,
		ToolSlugs:       append([]string(nil), in.ToolSlugs...),
		Status:          StatusRegistered,
		RegisteredGross: gross,
		TargetPrice:     in.TargetPrice,
		FeeRate:         feeRate,
		Metadata:        in.Metadata,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	sessionsRegistered.Inc()
	e.logger.Info("bundle session registered",
		"session", s.ID, "buyer", s.BuyerID, "steps", len(s.ToolSlugs),
		"gross", usdc.Format(gross), "target", usdc.Format(in.TargetPrice))
	return s, nil
}

// Get returns a session owned by the buyer.
func (e *Engine) Get(ctx context.Context, id, buyerID string) (*Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.BuyerID != buyerID {
		// Ownership is not revealed; a foreign session reads as absent.
		return nil, ErrNotFound
	}
	return s, nil
}

// AdmitStep validates bundle headers against the session before the call
// is proxied. The slug at the step index must equal the request's listing.
func (e *Engine) AdmitStep(ctx context.Context, sessionID string, stepIndex int, buyerID, slug string) (*billing.BundleHint, error) {
	if stepIndex < 0 {
		return nil, fmt.Errorf("%w: negative step index", ErrInvalidContext)
	}
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	if s.Status != StatusRegistered && s.Status != StatusInProgress {
		return nil, ErrClosed
	}
	if s.Expired(time.Now()) {
		return nil, ErrExpired
	}
	if stepIndex >= len(s.ToolSlugs) || s.ToolSlugs[stepIndex] != slug {
		return nil, ErrStepMismatch
	}
	return &billing.BundleHint{SessionID: sessionID, StepIndex: stepIndex}, nil
}

// Finalize settles a session atomically. It is idempotent: a FINALIZED
// session returns its stored result unchanged.
func (e *Engine) Finalize(ctx context.Context, sessionID, buyerID string) (*FinalizeResult, error) {
	ctx, span := traces.StartSpan(ctx, "bundle.Finalize",
		traces.BundleSession(sessionID), traces.Buyer(buyerID))
	defer span.End()

	var result *FinalizeResult
	err := e.store.RunFinalize(ctx, func(tx FinalizeTx) error {
		res, err := e.finalizeInTx(ctx, tx, sessionID, buyerID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			finalizeOutcomes.WithLabelValues("insufficient_funds").Inc()
		} else {
			finalizeOutcomes.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	span.SetAttributes(traces.Amount(usdc.Format(result.Session.BilledPrice)))
	finalizeOutcomes.WithLabelValues("ok").Inc()
	return result, nil
}

func (e *Engine) finalizeInTx(ctx context.Context, tx FinalizeTx, sessionID, buyerID string) (*FinalizeResult, error) {
	s, err := tx.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if s.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if s.Status == StatusFinalized {
		return e.storedResult(tx, s)
	}
	now := time.Now()
	if s.Expired(now) {
		if err := tx.MarkExpired(s.ID); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	claimed, err := tx.Claim(s.ID, buyerID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		fresh, err := tx.Session(sessionID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == StatusFinalized {
			return e.storedResult(tx, fresh)
		}
		return nil, ErrConflict
	}

	steps, err := tx.Steps(s.ID)
	if err != nil {
		return nil, err
	}
	selected, rejected := selectSteps(steps)

	var executedGross int64
	for _, step := range selected {
		executedGross += quotedPrice(step)
	}

	billed := billedAmount(executedGross, s.RegisteredGross, s.TargetPrice)
	fee := usdc.ApplyRate(billed, s.FeeRate)
	pool := billed - fee
	discount := executedGross - billed

	// The debit is the first write after the claim: an insufficient
	// balance must leave steps PENDING and the claim in place.
	if billed > 0 {
		ok, err := tx.DebitWallet(buyerID, billed)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInsufficientFunds
		}
	}

	allocations := allocate(s, selected, executedGross, billed, fee, pool)
	e.fillProviders(ctx, allocations)
	for i, step := range selected {
		a := allocations[i]
		if err := tx.ConfirmStep(step.ID, a.AllocatedPrice, a.PlatformFee, a.ProviderAmount, s.FeeRate); err != nil {
			return nil, err
		}
	}
	for _, step := range rejected {
		if err := tx.FailTransaction(step.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.ReplaceSettlements(s.ID, allocations); err != nil {
		return nil, err
	}

	s.Status = StatusFinalized
	s.ExecutedGross = executedGross
	s.BilledPrice = billed
	s.Discount = discount
	s.PlatformFee = fee
	s.ProviderPool = pool
	s.UpdatedAt = now
	s.FinalizedAt = &now
	if err := tx.FinalizeSession(s); err != nil {
		return nil, err
	}

	e.logger.Info("bundle session finalized",
		"session", s.ID, "steps", len(selected),
		"executed_gross", usdc.Format(executedGross),
		"billed", usdc.Format(billed), "discount", usdc.Format(discount))
	return &FinalizeResult{Session: s, Allocations: allocations}, nil
}

func (e *Engine) storedResult(tx FinalizeTx, s *Session) (*FinalizeResult, error) {
	rows, err := tx.Settlements(s.ID)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{Session: s, Allocations: rows}, nil
}

// selectSteps keeps the newest transaction per step index and rejects
// duplicates and records without a usable index. Steps arrive ordered by
// index ascending, creation descending, so the first hit per index wins.
func selectSteps(steps []*billing.Transaction) (selected, rejected []*billing.Transaction) {
	seen := make(map[int]bool)
	for _, step := range steps {
		if step.BundleStepIndex == nil || *step.BundleStepIndex < 0 {
			rejected = append(rejected, step)
			continue
		}
		idx := *step.BundleStepIndex
		if seen[idx] {
			rejected = append(rejected, step)
			continue
		}
		seen[idx] = true
		selected = append(selected, step)
	}
	return selected, rejected
}

func quotedPrice(tx *billing.Transaction) int64 {
	if tx.QuotedPrice != nil {
		return *tx.QuotedPrice
	}
	return tx.Price
}

// billedAmount applies the registered discount to the executed gross. The
// discount fraction (registeredGross-target)/registeredGross stays exact;
// only the final amount rounds, half away from zero at 6 decimals. A fully
// executed session therefore bills exactly the registered target. The
// fraction clamps at 0.95: (rg-t)/rg > 0.95 is equivalent to 20t < rg.
func billedAmount(executedGross, registeredGross, target int64) int64 {
	if registeredGross <= 0 || target >= registeredGross {
		return executedGross
	}
	if 20*target < registeredGross {
		return usdc.ApplyRate(executedGross, usdc.RateScale-9500)
	}
	return usdc.MulDiv(executedGross, target, registeredGross)
}

// fillProviders resolves each allocation's listing to its provider id for
// the settlement row. Resolution failures leave the field empty; the row
// still carries the listing id.
func (e *Engine) fillProviders(ctx context.Context, rows []SettlementRow) {
	for i := range rows {
		route, err := e.routes.ResolveByID(ctx, rows[i].ListingID)
		if err != nil {
			e.logger.Warn("provider lookup failed for settlement",
				"listing", rows[i].ListingID, "error", err)
			continue
		}
		rows[i].ProviderID = route.ProviderID
	}
}

// allocate distributes billed, fee and pool across steps proportionally
// to quoted prices. All but the last step round independently; the last
// absorbs the running remainders so the sums stay exact.
func allocate(s *Session, selected []*billing.Transaction, executedGross, billed, fee, pool int64) []SettlementRow {
	n := len(selected)
	if n == 0 {
		return nil
	}
	rows := make([]SettlementRow, n)
	remPrice, remFee, remPool := billed, fee, pool
	for i, step := range selected {
		quoted := quotedPrice(step)
		var weight float64
		var allocPrice, allocFee, allocPool int64
		if i == n-1 {
			allocPrice, allocFee, allocPool = remPrice, remFee, remPool
		} else if executedGross > 0 {
			allocPrice = usdc.MulDiv(billed, quoted, executedGross)
			allocFee = usdc.MulDiv(fee, quoted, executedGross)
			allocPool = usdc.MulDiv(pool, quoted, executedGross)
		} else {
			allocPrice = usdc.MulDiv(billed, 1, int64(n))
			allocFee = usdc.MulDiv(fee, 1, int64(n))
			allocPool = usdc.MulDiv(pool, 1, int64(n))
		}
		if executedGross > 0 {
			weight = round8(float64(quoted) / float64(executedGross))
		} else {
			weight = round8(1 / float64(n))
		}
		remPrice -= allocPrice
		remFee -= allocFee
		remPool -= allocPool
		rows[i] = SettlementRow{
			SessionID:      s.ID,
			TransactionID:  step.ID,
			ListingID:      step.ListingID,
			ListPrice:      quoted,
			Weight:         weight,
			AllocatedPrice: allocPrice,
			PlatformFee:    allocFee,
			ProviderAmount: allocPool,
		}
	}
	return rows
}

func round8(f float64) float64 {
	return math.Round(f*1e8) / 1e8
}

// StartSweeper expires overdue sessions on a fixed interval until ctx is
// cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.expireOverdue(ctx)
			}
		}
	}()
}

func (e *Engine) expireOverdue(ctx context.Context) {
	ids, err := e.store.ExpiredCandidates(ctx, time.Now())
	if err != nil {
		e.logger.Warn("bundle expiry sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := e.store.MarkExpired(ctx, id); err != nil {
			e.logger.Warn("bundle session expiry failed", "session", id, "error", err)
			continue
		}
		sessionsExpired.Inc()
	}
	if len(ids) > 0 {
		e.logger.Info("bundle sessions expired", "count", len(ids))
	}
}
