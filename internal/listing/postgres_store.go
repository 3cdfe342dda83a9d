package listing

import (
	"context"
	"database/sql"
)

// PostgresStore reads listings from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectRoute = `
	SELECT id, slug, name, base_url, capacity_per_minute,
	       (current_price * 1000000)::BIGINT,
	       (floor_price * 1000000)::BIGINT,
	       provider_id, COALESCE(payout_address, ''),
	       status, is_sandbox, updated_at
	FROM listings`

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Route, error) {
	return scanRoute(p.db.QueryRowContext(ctx, selectRoute+` WHERE slug = $1`, slug))
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Route, error) {
	return scanRoute(p.db.QueryRowContext(ctx, selectRoute+` WHERE id = $1`, id))
}

func scanRoute(row *sql.Row) (*Route, error) {
	r := &Route{}
	var status string
	err := row.Scan(
		&r.ID, &r.Slug, &r.Name, &r.BaseURL, &r.CapacityPerMinute,
		&r.Price, &r.FloorPrice,
		&r.ProviderID, &r.PayoutAddress,
		&status, &r.IsSandbox, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return r, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
