// Package auth provides API-key authentication for the gateway.
//
// Keys are addressed by a deterministic 8-character prefix; only the
// SHA-256 hash of the full secret is ever stored. Verification compares
// hashes in constant time so a store hit never leaks which byte differed.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"
)

// Errors. Storage faults are deliberately distinct from ErrInvalidKey so
// handlers surface them as 500s instead of leaking key validity.
var (
	ErrNoKey        = errors.New("auth: API key required")
	ErrInvalidKey   = errors.New("auth: invalid API key")
	ErrKeyInactive  = errors.New("auth: API key is not active")
	ErrKeyExpired   = errors.New("auth: API key has expired")
	ErrIPRestricted = errors.New("auth: client IP not in key allow-list")
)

// PrefixLength is the number of leading secret characters used for lookup.
const PrefixLength = 8

// MinSecretLength is the minimum accepted secret length; shorter values
// are rejected before any store access.
const MinSecretLength = 12

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "ACTIVE"
	KeyRevoked KeyStatus = "REVOKED"
	KeyPaused  KeyStatus = "PAUSED"
)

// Key is a stored API-key record. The full secret is never stored.
type Key struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Prefix        string     `json:"prefix"`
	Hash          string     `json:"-"` // hex SHA-256 of the full secret
	Status        KeyStatus  `json:"status"`
	RateLimitRPM  int        `json:"rateLimitRpm"`
	AllowedIPs    []string   `json:"allowedIps,omitempty"` // empty = any
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	WalletAddress string     `json:"walletAddress,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Store persists API keys.
type Store interface {
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// ErrKeyNotFound is returned by stores when no key matches a prefix.
var ErrKeyNotFound = errors.New("auth: key not found")

// Mode identifies how a request was admitted.
type Mode string

const (
	ModeAPIKey     Mode = "api_key"
	ModePayPerCall Mode = "pay_per_call"
)

// RequestContext is the per-request identity produced by authentication
// and consumed by every downstream pipeline stage.
type RequestContext struct {
	BuyerID       string
	WalletAddress string
	APIKeyID      string // empty under pay-per-call
	RateLimitRPM  int
	RequestID     string
	ReceivedAt    time.Time
	AuthMode      Mode
}

// Authenticator verifies presented secrets against the key store.
type Authenticator struct {
	store Store
}

// NewAuthenticator creates an authenticator over the given store.
func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate verifies a presented secret for a client IP and returns the
// matching key. The caller builds the RequestContext from it.
//
// A store fault is returned unwrapped into neither ErrInvalidKey nor any
// other auth sentinel: it must surface as an internal error.
func (a *Authenticator) Authenticate(ctx context.Context, secret, clientIP string) (*Key, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKey
	}
	if len(secret) < MinSecretLength {
		return nil, ErrInvalidKey
	}

	key, err := a.store.GetByPrefix(ctx, secret[:PrefixLength])
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}

	if !hashMatches(key.Hash, secret) {
		return nil, ErrInvalidKey
	}
	if key.Status != KeyActive {
		return nil, ErrKeyInactive
	}
	if key.ExpiresAt != nil && !time.Now().Before(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	if len(key.AllowedIPs) > 0 && !ipAllowed(clientIP, key.AllowedIPs) {
		return nil, ErrIPRestricted
	}

	return key, nil
}

// HashSecret returns the hex SHA-256 of a secret, the stored form.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func hashMatches(storedHex, secret string) bool {
	presented := sha256.Sum256([]byte(secret))
	stored, err := hex.DecodeString(storedHex)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(stored, presented[:]) == 1
}

func ipAllowed(clientIP string, allowed []string) bool {
	for _, ip := range allowed {
		if strings.TrimSpace(ip) == clientIP {
			return true
		}
	}
	return false
}

// ClientIP derives the caller address: the first comma-separated entry of
// X-Forwarded-For when present, else the transport peer.
func ClientIP(xForwardedFor, remoteAddr string) string {
	if xForwardedFor != "" {
		first := strings.SplitN(xForwardedFor, ",", 2)[0]
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
