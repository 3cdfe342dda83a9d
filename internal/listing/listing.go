// Package listing provides read access to listing routes: the mapping from
// a public slug to a configured upstream base URL with its current pricing.
//
// Listings are created and mutated by the marketplace collaborator; the
// gateway only reads them, through a TTL cache.
package listing

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound = errors.New("listing: not found")
)

// Status is the listing lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
	StatusDraft     Status = "DRAFT"
)

// Route is a listing as seen by the request path. Prices are micro-USDC.
type Route struct {
	ID                string    `json:"id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name,omitempty"`
	BaseURL           string    `json:"baseUrl"`
	CapacityPerMinute int       `json:"capacityPerMinute"`
	Price             int64     `json:"-"` // current per-call price, micro-USDC
	FloorPrice        int64     `json:"-"` // auction floor, micro-USDC
	ProviderID        string    `json:"providerId"`
	PayoutAddress     string    `json:"payoutAddress,omitempty"`
	Status            Status    `json:"status"`
	IsSandbox         bool      `json:"isSandbox"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Proxyable reports whether requests may be forwarded to this listing.
func (r *Route) Proxyable() bool {
	return r.Status == StatusActive
}

// Clone returns a per-request copy so header-driven mutation (the sandbox
// flag) never touches the cached entry.
func (r *Route) Clone() *Route {
	c := *r
	return &c
}

// Store is the external listing source of truth.
type Store interface {
	GetBySlug(ctx context.Context, slug string) (*Route, error)
	GetByID(ctx context.Context, id string) (*Route, error)
}
