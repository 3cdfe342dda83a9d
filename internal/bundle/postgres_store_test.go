package bundle

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/listing"
)

var (
	dockerAvailable     bool
	dockerAvailableOnce sync.Once
)

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dockerAvailableOnce.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			return
		}
		dockerAvailable = exec.Command("docker", "info").Run() == nil
	})
	if !dockerAvailable {
		t.Skip("Docker is not available, skipping test")
	}
}

// startPostgres launches a disposable PostgreSQL container and applies the
// repository migrations.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	skipWithoutDocker(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("nexusx_test"),
		tcpostgres.WithUsername("nexusx"),
		tcpostgres.WithPassword("nexusx"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctr.Terminate(termCtx)
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("goose dialect: %v", err)
	}
	if err := goose.Up(db, "../../migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func seedPostgresFixture(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, q := range []string{
		`INSERT INTO listings (id, slug, base_url, current_price, floor_price, provider_id, status)
		 VALUES ('lst_a', 'alpha-api', 'http://alpha.internal', 0.006, 0.001, 'prv_a', 'ACTIVE')`,
		`INSERT INTO listings (id, slug, base_url, current_price, floor_price, provider_id, status)
		 VALUES ('lst_b', 'beta-api', 'http://beta.internal', 0.004, 0.001, 'prv_b', 'ACTIVE')`,
		`INSERT INTO wallets (user_id, balance) VALUES ('usr_buyer', 1.000000)`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func insertStep(t *testing.T, txs *billing.PostgresStore, id, sessionID, listingID string, index int, quoted int64) {
	t.Helper()
	fee := quoted * 15 / 100
	provider := quoted - fee
	now := time.Now().UTC()
	err := txs.Insert(context.Background(), &billing.Transaction{
		ID:              id,
		RequestID:       "req_" + id,
		ListingID:       listingID,
		BuyerID:         "usr_buyer",
		Status:          billing.StatusPending,
		BillingMode:     billing.ModeBundleStep,
		BundleSessionID: sessionID,
		BundleStepIndex: &index,
		QuotedPrice:     &quoted,
		QuotedFee:       &fee,
		QuotedProvider:  &provider,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("insert step: %v", err)
	}
}

func TestPostgresFinalizeRoundTrip(t *testing.T) {
	db := startPostgres(t)
	seedPostgresFixture(t, db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := listing.NewResolver(listing.NewPostgresStore(db), time.Minute, logger)
	store := NewPostgresStore(db)
	txs := billing.NewPostgresStore(db)
	engine := NewEngine(store, resolver, time.Minute, 1500, logger)

	session, err := engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_buyer",
		BundleSlug:  "research",
		ToolSlugs:   []string{"alpha-api", "beta-api"},
		TargetPrice: 8000,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.RegisteredGross != 10000 {
		t.Fatalf("registered gross = %d", session.RegisteredGross)
	}

	insertStep(t, txs, "txn_a", session.ID, "lst_a", 0, 6000)
	insertStep(t, txs, "txn_b", session.ID, "lst_b", 1, 4000)

	result, err := engine.Finalize(context.Background(), session.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	s := result.Session
	if s.Status != StatusFinalized || s.BilledPrice != 8000 || s.PlatformFee != 1200 || s.ProviderPool != 6800 {
		t.Fatalf("session = %+v", s)
	}
	if len(result.Allocations) != 2 {
		t.Fatalf("allocations = %d", len(result.Allocations))
	}
	if result.Allocations[0].AllocatedPrice != 4800 || result.Allocations[1].AllocatedPrice != 3200 {
		t.Errorf("allocated = %d/%d",
			result.Allocations[0].AllocatedPrice, result.Allocations[1].AllocatedPrice)
	}
	if result.Allocations[0].ProviderID != "prv_a" || result.Allocations[1].ProviderID != "prv_b" {
		t.Errorf("providers = %q/%q",
			result.Allocations[0].ProviderID, result.Allocations[1].ProviderID)
	}

	var balance float64
	if err := db.QueryRow(`SELECT balance FROM wallets WHERE user_id = 'usr_buyer'`).Scan(&balance); err != nil {
		t.Fatal(err)
	}
	if balance != 0.992 {
		t.Errorf("wallet balance = %f, want 0.992", balance)
	}

	// Finalize is idempotent: a replay returns the stored result.
	replay, err := engine.Finalize(context.Background(), session.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Session.BilledPrice != 8000 || len(replay.Allocations) != 2 {
		t.Fatalf("replay = %+v", replay.Session)
	}
	if err := db.QueryRow(`SELECT balance FROM wallets WHERE user_id = 'usr_buyer'`).Scan(&balance); err != nil {
		t.Fatal(err)
	}
	if balance != 0.992 {
		t.Errorf("replay debited again, balance = %f", balance)
	}
}

func TestPostgresFinalizeConcurrent(t *testing.T) {
	db := startPostgres(t)
	seedPostgresFixture(t, db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := listing.NewResolver(listing.NewPostgresStore(db), time.Minute, logger)
	store := NewPostgresStore(db)
	txs := billing.NewPostgresStore(db)
	engine := NewEngine(store, resolver, time.Minute, 1500, logger)

	session, err := engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_buyer",
		BundleSlug:  "research",
		ToolSlugs:   []string{"alpha-api", "beta-api"},
		TargetPrice: 8000,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	insertStep(t, txs, "txn_a", session.ID, "lst_a", 0, 6000)
	insertStep(t, txs, "txn_b", session.ID, "lst_b", 1, 4000)

	// Race two finalizers: exactly one settlement happens; the loser sees
	// a serialization conflict or the already-finalized result.
	var wg sync.WaitGroup
	results := make([]*FinalizeResult, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = engine.Finalize(context.Background(), session.ID, "usr_buyer")
		}(i)
	}
	close(start)
	wg.Wait()

	settled := 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			settled++
			if results[i].Session.BilledPrice != 8000 || len(results[i].Allocations) != 2 {
				t.Errorf("finalizer %d result = %+v", i, results[i].Session)
			}
		case errors.Is(errs[i], ErrConflict):
		default:
			t.Fatalf("finalizer %d: unexpected error %v", i, errs[i])
		}
	}
	if settled < 1 {
		t.Fatal("no finalizer succeeded")
	}

	// The wallet is debited once regardless of who won.
	var balance float64
	if err := db.QueryRow(`SELECT balance FROM wallets WHERE user_id = 'usr_buyer'`).Scan(&balance); err != nil {
		t.Fatal(err)
	}
	if balance != 0.992 {
		t.Errorf("wallet balance = %f, want one debit of 0.008", balance)
	}

	// A conflicted caller retries into the stored result.
	replay, err := engine.Finalize(context.Background(), session.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("retry after conflict: %v", err)
	}
	if replay.Session.BilledPrice != 8000 || len(replay.Allocations) != 2 {
		t.Fatalf("replay = %+v", replay.Session)
	}
}

func TestPostgresFinalizeInsufficientFunds(t *testing.T) {
	db := startPostgres(t)
	seedPostgresFixture(t, db)
	if _, err := db.Exec(`UPDATE wallets SET balance = 0.005 WHERE user_id = 'usr_buyer'`); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := listing.NewResolver(listing.NewPostgresStore(db), time.Minute, logger)
	store := NewPostgresStore(db)
	txs := billing.NewPostgresStore(db)
	engine := NewEngine(store, resolver, time.Minute, 1500, logger)

	session, err := engine.Register(context.Background(), RegisterInput{
		BuyerID:     "usr_buyer",
		BundleSlug:  "research",
		ToolSlugs:   []string{"alpha-api", "beta-api"},
		TargetPrice: 8000,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	insertStep(t, txs, "txn_a", session.ID, "lst_a", 0, 6000)
	insertStep(t, txs, "txn_b", session.ID, "lst_b", 1, 4000)

	_, err = engine.Finalize(context.Background(), session.ID, "usr_buyer")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// The claim survives the failed attempt so a funded retry succeeds.
	var status string
	if err := db.QueryRow(`SELECT status FROM bundle_sessions WHERE id = $1`, session.ID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != string(StatusInProgress) {
		t.Fatalf("status = %q, want IN_PROGRESS", status)
	}

	if _, err := db.Exec(`UPDATE wallets SET balance = 1.0 WHERE user_id = 'usr_buyer'`); err != nil {
		t.Fatal(err)
	}
	result, err := engine.Finalize(context.Background(), session.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
	if result.Session.Status != StatusFinalized {
		t.Fatalf("retry status = %s", result.Session.Status)
	}
}
