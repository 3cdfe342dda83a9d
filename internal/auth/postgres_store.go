package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore reads and updates API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetByPrefix(ctx context.Context, prefix string) (*Key, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, prefix, key_hash, status, rate_limit_rpm,
		       allowed_ips, expires_at, COALESCE(wallet_address, ''),
		       last_used_at, created_at
		FROM api_keys
		WHERE prefix = $1`, prefix)

	k := &Key{}
	var status string
	var allowedIPs pq.StringArray
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(
		&k.ID, &k.UserID, &k.Prefix, &k.Hash, &status, &k.RateLimitRPM,
		&allowedIPs, &expiresAt, &k.WalletAddress,
		&lastUsedAt, &k.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k.Status = KeyStatus(status)
	k.AllowedIPs = allowedIPs
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

func (p *PostgresStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
