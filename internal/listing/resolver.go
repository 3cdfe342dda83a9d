package listing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL is the route cache lifetime when none is configured.
const DefaultCacheTTL = 60 * time.Second

// CacheStats is a snapshot of resolver cache counters.
type CacheStats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type cacheEntry struct {
	route     *Route
	expiresAt time.Time
}

// Resolver maps slugs (and ids) to routes through a TTL cache backed by
// the listing store. The forward map and the id→slug reverse index are
// mutated under one mutex so an invalidation can never leave a dangling
// reverse entry.
type Resolver struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	bySlug   map[string]cacheEntry
	slugByID map[string]string

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewResolver creates a resolver with the given cache TTL
// (DefaultCacheTTL if <= 0).
func NewResolver(store Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		bySlug:   make(map[string]cacheEntry),
		slugByID: make(map[string]string),
	}
}

// ResolveBySlug returns the route for a slug, from cache when fresh.
// Routes whose lifecycle is neither ACTIVE nor PAUSED are returned but
// never cached.
func (r *Resolver) ResolveBySlug(ctx context.Context, slug string) (*Route, error) {
	r.mu.RLock()
	entry, ok := r.bySlug[slug]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		r.recordHit()
		return entry.route, nil
	}

	r.recordMiss()
	route, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listing lookup failed: %w", err)
	}

	r.admit(route)
	return route, nil
}

// ResolveByID returns the route for an opaque listing id, going through
// the reverse index when possible.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (*Route, error) {
	r.mu.RLock()
	slug, ok := r.slugByID[id]
	var entry cacheEntry
	if ok {
		entry, ok = r.bySlug[slug]
	}
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		r.recordHit()
		return entry.route, nil
	}

	r.recordMiss()
	route, err := r.store.GetByID(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listing lookup failed: %w", err)
	}

	r.admit(route)
	return route, nil
}

// Invalidate drops a slug from the cache along with its reverse entry.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.bySlug[slug]; ok {
		delete(r.slugByID, entry.route.ID)
		delete(r.bySlug, slug)
		r.evictions++
	}
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions += uint64(len(r.bySlug))
	r.bySlug = make(map[string]cacheEntry)
	r.slugByID = make(map[string]string)
}

// Stats returns a snapshot of cache counters.
func (r *Resolver) Stats() CacheStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return CacheStats{
		Size:      len(r.bySlug),
		Hits:      r.hits,
		Misses:    r.misses,
		Evictions: r.evictions,
	}
}

// Start runs the background sweeper, evicting expired entries every
// 2×TTL until ctx is cancelled. Call in a goroutine.
func (r *Resolver) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.sweep(); removed > 0 {
				r.logger.Debug("route cache sweep", "evicted", removed)
			}
		}
	}
}

func (r *Resolver) sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for slug, entry := range r.bySlug {
		if !now.Before(entry.expiresAt) {
			delete(r.slugByID, entry.route.ID)
			delete(r.bySlug, slug)
			removed++
		}
	}
	r.evictions += uint64(removed)
	return removed
}

// admit caches a route when its lifecycle allows it.
func (r *Resolver) admit(route *Route) {
	if route.Status != StatusActive && route.Status != StatusPaused {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlug[route.Slug] = cacheEntry{route: route, expiresAt: time.Now().Add(r.ttl)}
	r.slugByID[route.ID] = route.Slug
}

func (r *Resolver) recordHit() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
	cacheHits.Inc()
}

func (r *Resolver) recordMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
	cacheMisses.Inc()
}
