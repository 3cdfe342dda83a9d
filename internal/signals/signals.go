// Package signals emits demand-signal events to the external pricing engine.
//
// Emission is strictly one-way and non-blocking: signals are queued onto a
// bounded buffer and drained by a single background goroutine. When the
// buffer is full the oldest signal is dropped rather than stalling the
// request path.
package signals

import (
	"context"
	"time"
)

// Type classifies a demand signal.
type Type string

const (
	TypeAPICall     Type = "API_CALL"
	TypeView        Type = "VIEW"
	TypeRateLimited Type = "RATE_LIMITED"
	TypeSandboxTest Type = "SANDBOX_TEST"
)

// Standard weights per signal type.
const (
	WeightAPICall     = 1.0
	WeightView        = 0.2
	WeightRateLimited = 1.5
	WeightSandboxTest = 0.5
)

// Signal is a single typed pricing event.
type Signal struct {
	ListingID string                 `json:"listingId"`
	BuyerID   string                 `json:"buyerId,omitempty"`
	Type      Type                   `json:"type"`
	Weight    float64                `json:"weight"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Emitter is the one-way emission surface consumed by the request path.
type Emitter interface {
	Emit(sig Signal)
}

// Sink delivers a signal to the external pricing engine.
type Sink interface {
	Deliver(ctx context.Context, sig Signal) error
}
