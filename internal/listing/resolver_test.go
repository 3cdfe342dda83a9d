package listing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore wraps MemoryStore and counts upstream lookups.
type countingStore struct {
	*MemoryStore
	mu      sync.Mutex
	lookups int
	err     error
}

func (s *countingStore) GetBySlug(ctx context.Context, slug string) (*Route, error) {
	s.mu.Lock()
	s.lookups++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.GetBySlug(ctx, slug)
}

func (s *countingStore) GetByID(ctx context.Context, id string) (*Route, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.MemoryStore.GetByID(ctx, id)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func testRoute() *Route {
	return &Route{
		ID:                "lst_abc",
		Slug:              "test-api",
		BaseURL:           "https://api.example.com",
		CapacityPerMinute: 60,
		Price:             5_000, // 0.005000
		FloorPrice:        1_000,
		ProviderID:        "usr_provider",
		Status:            StatusActive,
	}
}

func newTestResolver(ttl time.Duration) (*Resolver, *countingStore) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	store.Put(testRoute())
	return NewResolver(store, ttl, testLogger()), store
}

func TestResolveCachesWithinTTL(t *testing.T) {
	r, store := newTestResolver(time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		route, err := r.ResolveBySlug(ctx, "test-api")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if route.Slug != "test-api" || route.Price != 5_000 {
			t.Fatalf("unexpected route: %+v", route)
		}
	}

	if store.count() != 1 {
		t.Fatalf("expected 1 upstream lookup, got %d", store.count())
	}
	if stats := r.Stats(); stats.Hits != 9 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	r, store := newTestResolver(10 * time.Millisecond)
	ctx := context.Background()

	r.ResolveBySlug(ctx, "test-api")
	time.Sleep(20 * time.Millisecond)
	r.ResolveBySlug(ctx, "test-api")

	if store.count() != 2 {
		t.Fatalf("expected refetch after TTL, got %d lookups", store.count())
	}
}

func TestResolveByIDUsesReverseIndex(t *testing.T) {
	r, store := newTestResolver(time.Minute)
	ctx := context.Background()

	r.ResolveBySlug(ctx, "test-api")

	route, err := r.ResolveByID(ctx, "lst_abc")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if route.Slug != "test-api" {
		t.Fatalf("unexpected route: %+v", route)
	}
	if store.count() != 1 {
		t.Fatalf("id resolve should hit reverse index, got %d lookups", store.count())
	}
}

func TestInvalidateDropsBothIndexes(t *testing.T) {
	r, store := newTestResolver(time.Minute)
	ctx := context.Background()

	r.ResolveBySlug(ctx, "test-api")
	r.Invalidate("test-api")

	r.ResolveByID(ctx, "lst_abc")
	if store.count() != 2 {
		t.Fatal("invalidation should have dropped the reverse index entry")
	}
}

func TestSuspendedRouteNotCached(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	route := testRoute()
	route.Status = StatusSuspended
	store.Put(route)
	r := NewResolver(store, time.Minute, testLogger())
	ctx := context.Background()

	got, err := r.ResolveBySlug(ctx, "test-api")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != StatusSuspended {
		t.Fatalf("unexpected status: %v", got.Status)
	}

	r.ResolveBySlug(ctx, "test-api")
	if store.count() != 2 {
		t.Fatal("suspended route should not be cached")
	}
}

func TestPausedRouteCachedButNotProxyable(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	route := testRoute()
	route.Status = StatusPaused
	store.Put(route)
	r := NewResolver(store, time.Minute, testLogger())
	ctx := context.Background()

	r.ResolveBySlug(ctx, "test-api")
	got, _ := r.ResolveBySlug(ctx, "test-api")
	if store.count() != 1 {
		t.Fatal("paused route should be cached")
	}
	if got.Proxyable() {
		t.Fatal("paused route must not be proxyable")
	}
}

func TestResolveNotFound(t *testing.T) {
	r, _ := newTestResolver(time.Minute)
	_, err := r.ResolveBySlug(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreFaultPropagates(t *testing.T) {
	r, store := newTestResolver(time.Minute)
	store.err = errors.New("connection refused")

	_, err := r.ResolveBySlug(context.Background(), "other")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("store fault must not map to ErrNotFound, got %v", err)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	r, _ := newTestResolver(time.Minute)
	ctx := context.Background()

	r.ResolveBySlug(ctx, "test-api")
	r.mu.Lock()
	entry := r.bySlug["test-api"]
	entry.expiresAt = time.Now().Add(-time.Second)
	r.bySlug["test-api"] = entry
	r.mu.Unlock()

	if removed := r.sweep(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if stats := r.Stats(); stats.Size != 0 {
		t.Fatalf("cache size %d after sweep, want 0", stats.Size)
	}
}

func TestCloneDoesNotMutateCache(t *testing.T) {
	r, _ := newTestResolver(time.Minute)
	ctx := context.Background()

	route, _ := r.ResolveBySlug(ctx, "test-api")
	clone := route.Clone()
	clone.IsSandbox = true

	again, _ := r.ResolveBySlug(ctx, "test-api")
	if again.IsSandbox {
		t.Fatal("cached entry was mutated through a request copy")
	}
}
