package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const scoreCacheTTL = 60 * time.Second

// Aggregator records call outcomes and serves cached scores.
type Aggregator struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedScore
}

type cachedScore struct {
	score     *Score
	expiresAt time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
		cache:  make(map[string]cachedScore),
	}
}

// Record persists one call outcome. Errors are returned so the caller's
// task queue can log them; the request path never blocks on this.
func (a *Aggregator) Record(ctx context.Context, slug string, sample Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if err := a.store.Record(ctx, slug, sample); err != nil {
		recordErrors.Inc()
		return fmt.Errorf("record reliability sample: %w", err)
	}
	samplesRecorded.Inc()
	return nil
}

// Score computes the reliability score for a listing, serving a cached
// result for up to 60 seconds.
func (a *Aggregator) Score(ctx context.Context, slug string) (*Score, error) {
	a.mu.Lock()
	if c, ok := a.cache[slug]; ok && time.Now().Before(c.expiresAt) {
		a.mu.Unlock()
		scoreCacheHits.Inc()
		return c.score, nil
	}
	a.mu.Unlock()

	samples, err := a.store.Samples(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load reliability samples: %w", err)
	}

	score := compute(samples)

	a.mu.Lock()
	a.cache[slug] = cachedScore{score: score, expiresAt: time.Now().Add(scoreCacheTTL)}
	a.mu.Unlock()
	return score, nil
}
