package billing

import (
	"context"
	"database/sql"
)

// PostgresStore writes transactions to PostgreSQL. Amounts are stored as
// NUMERIC USDC; conversion to and from micro-units happens in SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, request_id, listing_id, buyer_id, status, billing_mode,
			bundle_session_id, bundle_step_index, settled_via_bundle,
			price, platform_fee, provider_amount, fee_rate_applied,
			quoted_price, quoted_fee, quoted_provider_amount,
			response_time_ms, http_status, bytes_transferred,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			NULLIF($7, ''), $8, $9,
			$10::NUMERIC / 1000000, $11::NUMERIC / 1000000, $12::NUMERIC / 1000000, $13::NUMERIC / 10000,
			$14::NUMERIC / 1000000, $15::NUMERIC / 1000000, $16::NUMERIC / 1000000,
			$17, $18, $19,
			$20, $21
		)`,
		tx.ID, tx.RequestID, tx.ListingID, tx.BuyerID, string(tx.Status), string(tx.BillingMode),
		tx.BundleSessionID, nullableInt(tx.BundleStepIndex), tx.SettledViaBundle,
		tx.Price, tx.PlatformFee, tx.ProviderAmount, tx.FeeRateApplied,
		nullableInt64(tx.QuotedPrice), nullableInt64(tx.QuotedFee), nullableInt64(tx.QuotedProvider),
		tx.ResponseTimeMs, tx.HTTPStatus, tx.BytesTransferred,
		tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
