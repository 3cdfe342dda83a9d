package bundle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/idgen"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/usdc"
)

type fixture struct {
	engine *Engine
	store  *MemoryStore
	txs    *billing.MemoryStore
	routes *listing.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	routes := listing.NewMemoryStore()
	resolver := listing.NewResolver(routes, time.Minute, logger)
	txs := billing.NewMemoryStore()
	store := NewMemoryStore(txs)
	rate, _ := usdc.ParseRate("0.15")
	return &fixture{
		engine: NewEngine(store, resolver, 30*time.Minute, rate, logger),
		store:  store,
		txs:    txs,
		routes: routes,
	}
}

func (f *fixture) addListing(slug, price string) {
	p, ok := usdc.Parse(price)
	if !ok {
		panic("bad price " + price)
	}
	f.routes.Put(&listing.Route{
		ID:         "lst_" + slug,
		Slug:       slug,
		BaseURL:    "https://upstream.example/" + slug,
		Price:      p,
		ProviderID: "prv_" + slug,
		Status:     listing.StatusActive,
	})
}

func (f *fixture) addStep(sessionID string, index int, listingID string, quoted string) string {
	q, _ := usdc.Parse(quoted)
	fee := usdc.ApplyRate(q, 1500)
	provider := q - fee
	idx := index
	tx := &billing.Transaction{
		ID:              idgen.WithPrefix("txn_"),
		RequestID:       idgen.WithPrefix("req_"),
		ListingID:       listingID,
		BuyerID:         "usr_1",
		Status:          billing.StatusPending,
		BillingMode:     billing.ModeBundleStep,
		BundleSessionID: sessionID,
		BundleStepIndex: &idx,
		QuotedPrice:     &q,
		QuotedFee:       &fee,
		QuotedProvider:  &provider,
		CreatedAt:       time.Now(),
	}
	f.txs.Insert(context.Background(), tx)
	return tx.ID
}

func (f *fixture) register(t *testing.T, slugs []string, target string) *Session {
	t.Helper()
	price, _ := usdc.Parse(target)
	s, err := f.engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_1",
		APIKeyID:    "key_1",
		BundleSlug:  "research-bundle",
		ToolSlugs:   slugs,
		TargetPrice: price,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")

	s := f.register(t, []string{"a", "b"}, "0.008")

	if s.Status != StatusRegistered {
		t.Errorf("status = %s", s.Status)
	}
	if usdc.Format(s.RegisteredGross) != "0.010000" {
		t.Errorf("gross = %s", usdc.Format(s.RegisteredGross))
	}
	if s.ExecutedGross != 0 || s.BilledPrice != 0 || s.Discount != 0 {
		t.Error("settlement amounts must be zero at registration")
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	paused := &listing.Route{ID: "lst_p", Slug: "p", Price: 1000, Status: listing.StatusPaused}
	f.routes.Put(paused)

	cases := []RegisterInput{
		{BuyerID: "usr_1", ToolSlugs: nil, TargetPrice: 100},
		{BuyerID: "usr_1", ToolSlugs: []string{"a"}, TargetPrice: 0},
		{BuyerID: "usr_1", ToolSlugs: []string{"missing"}, TargetPrice: 100},
		{BuyerID: "usr_1", ToolSlugs: []string{"p"}, TargetPrice: 100},
		// target above gross
		{BuyerID: "usr_1", ToolSlugs: []string{"a"}, TargetPrice: 7000},
	}
	for i, in := range cases {
		if _, err := f.engine.Register(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestRegisterCountsDuplicateSlugs(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")

	s := f.register(t, []string{"a", "a"}, "0.010")
	if usdc.Format(s.RegisteredGross) != "0.012000" {
		t.Errorf("gross = %s, repeats must price per occurrence", usdc.Format(s.RegisteredGross))
	}
}

func TestAdmitStep(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")
	s := f.register(t, []string{"a", "b"}, "0.008")
	ctx := context.Background()

	hint, err := f.engine.AdmitStep(ctx, s.ID, 1, "usr_1", "b")
	if err != nil {
		t.Fatalf("AdmitStep: %v", err)
	}
	if hint.SessionID != s.ID || hint.StepIndex != 1 {
		t.Errorf("hint = %+v", hint)
	}

	if _, err := f.engine.AdmitStep(ctx, s.ID, 1, "usr_2", "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign buyer: %v, want ErrNotFound", err)
	}
	if _, err := f.engine.AdmitStep(ctx, s.ID, 0, "usr_1", "b"); !errors.Is(err, ErrStepMismatch) {
		t.Errorf("wrong slug at index: %v, want ErrStepMismatch", err)
	}
	if _, err := f.engine.AdmitStep(ctx, s.ID, 5, "usr_1", "b"); !errors.Is(err, ErrStepMismatch) {
		t.Errorf("index out of range: %v, want ErrStepMismatch", err)
	}
	if _, err := f.engine.AdmitStep(ctx, "bse_missing", 0, "usr_1", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: %v, want ErrNotFound", err)
	}
}

func TestFinalizeScenario(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")
	s := f.register(t, []string{"a", "b"}, "0.008")
	f.addStep(s.ID, 0, "lst_a", "0.006")
	f.addStep(s.ID, 1, "lst_b", "0.004")
	f.store.SetBalance("usr_1", 1_000_000) // 1 USDC

	res, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	sess := res.Session
	if sess.Status != StatusFinalized {
		t.Fatalf("status = %s", sess.Status)
	}
	if usdc.Format(sess.ExecutedGross) != "0.010000" ||
		usdc.Format(sess.BilledPrice) != "0.008000" ||
		usdc.Format(sess.Discount) != "0.002000" ||
		usdc.Format(sess.PlatformFee) != "0.001200" ||
		usdc.Format(sess.ProviderPool) != "0.006800" {
		t.Errorf("amounts: executed=%s billed=%s discount=%s fee=%s pool=%s",
			usdc.Format(sess.ExecutedGross), usdc.Format(sess.BilledPrice),
			usdc.Format(sess.Discount), usdc.Format(sess.PlatformFee),
			usdc.Format(sess.ProviderPool))
	}

	if len(res.Allocations) != 2 {
		t.Fatalf("allocations = %d", len(res.Allocations))
	}
	a0, a1 := res.Allocations[0], res.Allocations[1]
	if usdc.Format(a0.AllocatedPrice) != "0.004800" || usdc.Format(a1.AllocatedPrice) != "0.003200" {
		t.Errorf("alloc prices %s / %s", usdc.Format(a0.AllocatedPrice), usdc.Format(a1.AllocatedPrice))
	}
	if a0.Weight != 0.6 || a1.Weight != 0.4 {
		t.Errorf("weights %v / %v", a0.Weight, a1.Weight)
	}
	if a0.ProviderID != "prv_a" || a1.ProviderID != "prv_b" {
		t.Errorf("providers %q / %q", a0.ProviderID, a1.ProviderID)
	}

	// Exact summation on the 6-decimal grid.
	if a0.AllocatedPrice+a1.AllocatedPrice != sess.BilledPrice {
		t.Error("alloc prices do not sum to billed")
	}
	if a0.PlatformFee+a1.PlatformFee != sess.PlatformFee {
		t.Error("alloc fees do not sum to platform fee")
	}
	if a0.ProviderAmount+a1.ProviderAmount != sess.ProviderPool {
		t.Error("alloc provider amounts do not sum to pool")
	}
	for _, a := range res.Allocations {
		if a.AllocatedPrice != a.PlatformFee+a.ProviderAmount {
			t.Errorf("row identity broken: %+v", a)
		}
	}

	// Wallet debited by the billed amount.
	if got := f.store.Balance("usr_1"); got != 1_000_000-8000 {
		t.Errorf("balance = %d", got)
	}

	// Step transactions confirmed with realized allocations.
	steps := f.txs.BySession(s.ID)
	for _, tx := range steps {
		if tx.Status != billing.StatusConfirmed || !tx.SettledViaBundle {
			t.Errorf("step %s: %s settled=%v", tx.ID, tx.Status, tx.SettledViaBundle)
		}
	}
}

func TestFinalizeBillsExactTargetWhenFullyExecuted(t *testing.T) {
	// A discount fraction off the 4-decimal grid (2/3 here) must not be
	// quantized: a fully executed session bills the registered target to
	// the micro-unit.
	f := newFixture(t)
	f.addListing("a", "0.100000")
	s := f.register(t, []string{"a", "a", "a"}, "0.100000")
	f.addStep(s.ID, 0, "lst_a", "0.100000")
	f.addStep(s.ID, 1, "lst_a", "0.100000")
	f.addStep(s.ID, 2, "lst_a", "0.100000")
	f.store.SetBalance("usr_1", 1_000_000)

	res, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sess := res.Session
	if usdc.Format(sess.BilledPrice) != "0.100000" {
		t.Fatalf("billed = %s, want 0.100000", usdc.Format(sess.BilledPrice))
	}
	if usdc.Format(sess.Discount) != "0.200000" {
		t.Errorf("discount = %s", usdc.Format(sess.Discount))
	}
	var allocated int64
	for _, a := range res.Allocations {
		allocated += a.AllocatedPrice
	}
	if allocated != sess.BilledPrice {
		t.Errorf("allocations sum to %d, want %d", allocated, sess.BilledPrice)
	}
	if got := f.store.Balance("usr_1"); got != 1_000_000-100_000 {
		t.Errorf("balance = %d", got)
	}
}

func TestFinalizeDiscountClampsAtNinetyFivePercent(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.100000")
	s := f.register(t, []string{"a", "a"}, "0.001000") // rg 0.2, d clamps at 0.95
	f.addStep(s.ID, 0, "lst_a", "0.100000")
	f.addStep(s.ID, 1, "lst_a", "0.100000")
	f.store.SetBalance("usr_1", 1_000_000)

	res, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// 0.2 executed at the clamped 5% rate, not the 0.5% target ratio.
	if usdc.Format(res.Session.BilledPrice) != "0.010000" {
		t.Errorf("billed = %s, want 0.010000", usdc.Format(res.Session.BilledPrice))
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")
	s := f.register(t, []string{"a", "b"}, "0.008")
	f.addStep(s.ID, 0, "lst_a", "0.006")
	f.addStep(s.ID, 1, "lst_b", "0.004")
	f.store.SetBalance("usr_1", 1_000_000)
	ctx := context.Background()

	first, err := f.engine.Finalize(ctx, s.ID, "usr_1")
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	second, err := f.engine.Finalize(ctx, s.ID, "usr_1")
	if err != nil {
		t.Fatalf("replay finalize: %v", err)
	}

	if second.Session.BilledPrice != first.Session.BilledPrice ||
		second.Session.Status != StatusFinalized {
		t.Error("replay diverged from original result")
	}
	if len(second.Allocations) != len(first.Allocations) {
		t.Fatal("replay allocation count differs")
	}
	for i := range first.Allocations {
		if first.Allocations[i] != second.Allocations[i] {
			t.Errorf("allocation %d differs: %+v vs %+v", i, first.Allocations[i], second.Allocations[i])
		}
	}

	// No double debit.
	if got := f.store.Balance("usr_1"); got != 1_000_000-8000 {
		t.Errorf("balance = %d after replay", got)
	}
}

func TestFinalizeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")
	s := f.register(t, []string{"a", "b"}, "0.008")
	f.addStep(s.ID, 0, "lst_a", "0.006")
	f.addStep(s.ID, 1, "lst_b", "0.004")
	f.store.SetBalance("usr_1", 5000) // 0.005, billed is 0.008

	_, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	sess, _ := f.store.GetSession(context.Background(), s.ID)
	if sess.Status != StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS after failed debit", sess.Status)
	}
	for _, tx := range f.txs.BySession(s.ID) {
		if tx.Status != billing.StatusPending {
			t.Errorf("step %s = %s, want PENDING", tx.ID, tx.Status)
		}
	}
	if rows := f.store.SettlementRows(s.ID); len(rows) != 0 {
		t.Errorf("settlement rows = %d, want none", len(rows))
	}
	if got := f.store.Balance("usr_1"); got != 5000 {
		t.Errorf("balance = %d, must be untouched", got)
	}

	// A retry after topping up succeeds from IN_PROGRESS.
	f.store.SetBalance("usr_1", 10_000)
	if _, err := f.engine.Finalize(context.Background(), s.ID, "usr_1"); err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
}

func TestFinalizeDuplicateStepIndices(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	s := f.register(t, []string{"a"}, "0.006")
	old := f.addStep(s.ID, 0, "lst_a", "0.005")
	// Newer retry of the same step quotes the current price.
	f.txs.Apply(old, func(tx *billing.Transaction) { tx.CreatedAt = time.Now().Add(-time.Minute) })
	f.addStep(s.ID, 0, "lst_a", "0.006")
	f.store.SetBalance("usr_1", 1_000_000)

	res, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(res.Allocations) != 1 {
		t.Fatalf("allocations = %d, want 1", len(res.Allocations))
	}
	if usdc.Format(res.Session.ExecutedGross) != "0.006000" {
		t.Errorf("executed gross = %s, newest quote must win", usdc.Format(res.Session.ExecutedGross))
	}

	found := false
	for _, tx := range f.txs.BySession(s.ID) {
		if tx.ID == old {
			found = true
			if tx.Status != billing.StatusFailed {
				t.Errorf("stale duplicate = %s, want FAILED", tx.Status)
			}
		}
	}
	if !found {
		t.Fatal("stale duplicate vanished")
	}
}

func TestFinalizeExpiredSession(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	price, _ := usdc.Parse("0.006")
	past := time.Now().Add(-time.Minute)
	s, err := f.engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_1",
		ToolSlugs:   []string{"a"},
		TargetPrice: price,
		ExpiresAt:   &past,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	sess, _ := f.store.GetSession(context.Background(), s.ID)
	if sess.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED persisted", sess.Status)
	}
}

func TestFinalizeForeignBuyer(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	s := f.register(t, []string{"a"}, "0.006")

	if _, err := f.engine.Finalize(context.Background(), s.ID, "usr_2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestFinalizeZeroQuotesUniformWeights(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	f.addListing("b", "0.004")
	s := f.register(t, []string{"a", "b"}, "0.008")
	f.addStep(s.ID, 0, "lst_a", "0")
	f.addStep(s.ID, 1, "lst_b", "0")
	f.store.SetBalance("usr_1", 1_000_000)

	res, err := f.engine.Finalize(context.Background(), s.ID, "usr_1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Session.BilledPrice != 0 {
		t.Errorf("billed = %d, want 0", res.Session.BilledPrice)
	}
	for _, a := range res.Allocations {
		if a.Weight != 0.5 {
			t.Errorf("weight = %v, want uniform 1/n", a.Weight)
		}
	}
}

func TestSweeperExpiresOverdueSessions(t *testing.T) {
	f := newFixture(t)
	f.addListing("a", "0.006")
	price, _ := usdc.Parse("0.006")
	past := time.Now().Add(-time.Second)
	s, err := f.engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_1",
		ToolSlugs:   []string{"a"},
		TargetPrice: price,
		ExpiresAt:   &past,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.engine.expireOverdue(context.Background())

	sess, _ := f.store.GetSession(context.Background(), s.ID)
	if sess.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED", sess.Status)
	}
}
