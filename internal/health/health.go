// Package health aggregates readiness checks over the gateway's
// external collaborators.
package health

import (
	"context"
	"sync"
	"time"
)

const checkTimeout = 3 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Registry holds named readiness checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
	start  time.Time
}

// NewRegistry creates an empty registry. Uptime counts from here.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check), start: time.Now()}
}

// Register adds a named check. Later registrations replace earlier ones.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// UptimeSeconds reports seconds since the registry was created.
func (r *Registry) UptimeSeconds() int64 {
	return int64(time.Since(r.start).Seconds())
}

// Run probes every check and returns per-check results plus overall
// readiness. Each check gets its own timeout.
func (r *Registry) Run(ctx context.Context) (map[string]string, bool) {
	r.mu.RLock()
	checks := make(map[string]Check, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	results := make(map[string]string, len(checks))
	ready := true
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := check(checkCtx); err != nil {
			results[name] = err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
		cancel()
	}
	return results, ready
}
