// Package ratelimit implements a per-key sliding-window rate limiter.
//
// Each key holds a slice of request timestamps inside the trailing window.
// Counting prunes expired entries lazily; a background cleaner drops whole
// windows that have gone idle so the map does not grow without bound.
package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Window is the sliding window length.
const Window = 60 * time.Second

// idleAfter is how long a key's newest timestamp may age before the
// cleaner discards the whole window.
const idleAfter = 2 * Window

const cleanInterval = 5 * time.Minute

const shardCount = 32

// Result reports the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Current   int   // requests in window including this one when allowed
	Remaining int
	ResetMs   int64 // until the oldest counted entry leaves the window
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// Limiter admits at most limit requests per key per sliding window.
type Limiter struct {
	shards [shardCount]*shard
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewLimiter creates a limiter. Start must be called to run the cleaner.
func NewLimiter(logger *slog.Logger) *Limiter {
	l := &Limiter{logger: logger, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	return l
}

// Check records one attempt for key and reports whether it is admitted.
// Exactly limit requests are admitted per window; the limit+1th is denied
// and not recorded. A non-positive limit disables limiting for the key.
func (l *Limiter) Check(key string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: -1}
	}

	now := l.now()
	cutoff := now.Add(-Window)
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	win := s.windows[key]
	// Entries are appended in order, so the live suffix starts at the
	// first timestamp after the cutoff.
	start := 0
	for start < len(win) && !win[start].After(cutoff) {
		start++
	}
	live := win[start:]

	if len(live) >= limit {
		resetMs := l.resetMs(live, now)
		s.windows[key] = append(win[:0:0], live...)
		deniedTotal.Inc()
		return Result{Allowed: false, Limit: limit, Current: len(live), Remaining: 0, ResetMs: resetMs}
	}

	live = append(append(win[:0:0], live...), now)
	s.windows[key] = live
	return Result{
		Allowed:   true,
		Limit:     limit,
		Current:   len(live),
		Remaining: limit - len(live),
		ResetMs:   l.resetMs(live, now),
	}
}

// resetMs is the time until the oldest live entry expires, clamped at zero.
func (l *Limiter) resetMs(live []time.Time, now time.Time) int64 {
	if len(live) == 0 {
		return 0
	}
	ms := live[0].Add(Window).Sub(now).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ms
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Start runs the periodic cleaner until ctx is cancelled.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.clean()
			}
		}
	}()
}

func (l *Limiter) clean() {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, win := range s.windows {
			if len(win) == 0 || now.Sub(win[len(win)-1]) > idleAfter {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		l.logger.Debug("rate limiter cleaned idle windows", "removed", removed)
	}
}

// Size reports the number of tracked keys, for the status endpoint.
func (l *Limiter) Size() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}
