package bundle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/nexusx/gateway/internal/billing"
)

// PostgresStore persists bundle sessions, settlements and wallets in
// PostgreSQL. Finalization runs under serializable isolation; a
// serialization failure surfaces as ErrConflict so the buyer can retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bundle store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSession = `
	SELECT id, buyer_id, api_key_id, bundle_slug, tool_slugs, status,
	       (registered_gross * 1000000)::BIGINT,
	       (target_price * 1000000)::BIGINT,
	       (executed_gross * 1000000)::BIGINT,
	       (billed_price * 1000000)::BIGINT,
	       (discount * 1000000)::BIGINT,
	       (platform_fee * 1000000)::BIGINT,
	       (provider_pool * 1000000)::BIGINT,
	       (platform_fee_rate * 10000)::BIGINT,
	       metadata, expires_at, created_at, updated_at, finalized_at
	FROM bundle_sessions`

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bundle_sessions (
			id, buyer_id, api_key_id, bundle_slug, tool_slugs, status,
			registered_gross, target_price, platform_fee_rate,
			metadata, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC / 1000000, $8::NUMERIC / 1000000, $9::NUMERIC / 10000,
			$10, $11, $12, $13
		)`,
		s.ID, s.BuyerID, s.APIKeyID, s.BundleSlug, pq.StringArray(s.ToolSlugs), string(s.Status),
		s.RegisteredGross, s.TargetPrice, s.FeeRate,
		metadata, s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(p.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, id))
}

func (p *PostgresStore) MarkExpired(ctx context.Context, id string) error {
	return markExpired(ctx, p.db, id)
}

func (p *PostgresStore) ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM bundle_sessions
		WHERE status IN ('REGISTERED', 'IN_PROGRESS') AND expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) RunFinalize(ctx context.Context, fn func(tx FinalizeTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	err = fn(&pgTx{ctx: ctx, tx: tx})
	// Expiry marking and the insufficient-funds claim commit alone; fn
	// performs no other writes before failing with these.
	if err != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrExpired) {
		tx.Rollback()
		return mapSerializationFailure(err)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return mapSerializationFailure(commitErr)
	}
	return err
}

// Serialization failures mean a concurrent finalizer won.
func mapSerializationFailure(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return ErrConflict
	}
	return err
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Session(id string) (*Session, error) {
	return scanSession(t.tx.QueryRowContext(t.ctx, selectSession+` WHERE id = $1`, id))
}

func (t *pgTx) Claim(id, buyerID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE bundle_sessions
		SET status = 'IN_PROGRESS', updated_at = NOW()
		WHERE id = $1 AND buyer_id = $2 AND status IN ('REGISTERED', 'IN_PROGRESS')`,
		id, buyerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) MarkExpired(id string) error {
	return markExpired(t.ctx, t.tx, id)
}

func (t *pgTx) Steps(sessionID string) ([]*billing.Transaction, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, request_id, listing_id, buyer_id, status, bundle_step_index,
		       (quoted_price * 1000000)::BIGINT,
		       (quoted_fee * 1000000)::BIGINT,
		       (quoted_provider_amount * 1000000)::BIGINT,
		       (price * 1000000)::BIGINT,
		       created_at
		FROM transactions
		WHERE bundle_session_id = $1 AND status IN ('PENDING', 'CONFIRMED')
		ORDER BY bundle_step_index ASC NULLS FIRST, created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*billing.Transaction
	for rows.Next() {
		tx := &billing.Transaction{BundleSessionID: sessionID, BillingMode: billing.ModeBundleStep}
		var status string
		var stepIndex sql.NullInt64
		var quotedPrice, quotedFee, quotedProvider sql.NullInt64
		if err := rows.Scan(
			&tx.ID, &tx.RequestID, &tx.ListingID, &tx.BuyerID, &status, &stepIndex,
			&quotedPrice, &quotedFee, &quotedProvider, &tx.Price, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		tx.Status = billing.Status(status)
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			tx.BundleStepIndex = &idx
		}
		if quotedPrice.Valid {
			tx.QuotedPrice = &quotedPrice.Int64
		}
		if quotedFee.Valid {
			tx.QuotedFee = &quotedFee.Int64
		}
		if quotedProvider.Valid {
			tx.QuotedProvider = &quotedProvider.Int64
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (t *pgTx) DebitWallet(buyerID string, amount int64) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE wallets
		SET balance = balance - $2::NUMERIC / 1000000, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2::NUMERIC / 1000000`,
		buyerID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) ConfirmStep(txID string, allocPrice, allocFee, allocProvider, feeRate int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE transactions
		SET status = 'CONFIRMED', settled_via_bundle = TRUE,
		    price = $2::NUMERIC / 1000000,
		    platform_fee = $3::NUMERIC / 1000000,
		    provider_amount = $4::NUMERIC / 1000000,
		    fee_rate_applied = $5::NUMERIC / 10000,
		    updated_at = NOW()
		WHERE id = $1`,
		txID, allocPrice, allocFee, allocProvider, feeRate)
	return err
}

func (t *pgTx) FailTransaction(txID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE transactions SET status = 'FAILED', updated_at = NOW() WHERE id = $1`, txID)
	return err
}

func (t *pgTx) ReplaceSettlements(sessionID string, rows []SettlementRow) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM bundle_settlements WHERE bundle_session_id = $1`, sessionID); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO bundle_settlements (
				bundle_session_id, transaction_id, provider_id, listing_id,
				list_price, weight, allocated_price, platform_fee, provider_amount
			) VALUES (
				$1, $2, NULLIF($3, ''), $4,
				$5::NUMERIC / 1000000, $6, $7::NUMERIC / 1000000,
				$8::NUMERIC / 1000000, $9::NUMERIC / 1000000
			)`,
			row.SessionID, row.TransactionID, row.ProviderID, row.ListingID,
			row.ListPrice, row.Weight, row.AllocatedPrice, row.PlatformFee, row.ProviderAmount,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) FinalizeSession(s *Session) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE bundle_sessions
		SET status = 'FINALIZED',
		    executed_gross = $2::NUMERIC / 1000000,
		    billed_price = $3::NUMERIC / 1000000,
		    discount = $4::NUMERIC / 1000000,
		    platform_fee = $5::NUMERIC / 1000000,
		    provider_pool = $6::NUMERIC / 1000000,
		    finalized_at = $7, updated_at = $7
		WHERE id = $1`,
		s.ID, s.ExecutedGross, s.BilledPrice, s.Discount, s.PlatformFee, s.ProviderPool, s.FinalizedAt)
	return err
}

func (t *pgTx) Settlements(sessionID string) ([]SettlementRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT bundle_session_id, transaction_id, COALESCE(provider_id, ''), listing_id,
		       (list_price * 1000000)::BIGINT, weight,
		       (allocated_price * 1000000)::BIGINT,
		       (platform_fee * 1000000)::BIGINT,
		       (provider_amount * 1000000)::BIGINT
		FROM bundle_settlements
		WHERE bundle_session_id = $1
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementRow
	for rows.Next() {
		var row SettlementRow
		if err := rows.Scan(
			&row.SessionID, &row.TransactionID, &row.ProviderID, &row.ListingID,
			&row.ListPrice, &row.Weight, &row.AllocatedPrice, &row.PlatformFee, &row.ProviderAmount,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func markExpired(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE bundle_sessions
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE id = $1 AND status IN ('REGISTERED', 'IN_PROGRESS')`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var status string
	var slugs pq.StringArray
	var metadata []byte
	var finalizedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.BuyerID, &s.APIKeyID, &s.BundleSlug, &slugs, &status,
		&s.RegisteredGross, &s.TargetPrice, &s.ExecutedGross, &s.BilledPrice,
		&s.Discount, &s.PlatformFee, &s.ProviderPool, &s.FeeRate,
		&metadata, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &finalizedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	s.ToolSlugs = slugs
	if len(metadata) > 0 {
		// Stored as JSONB; an unmarshal failure is a data bug, not fatal.
		_ = json.Unmarshal(metadata, &s.Metadata)
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		s.FinalizedAt = &t
	}
	return s, nil
}

// Compile-time assertions.
var (
	_ Store      = (*PostgresStore)(nil)
	_ FinalizeTx = (*pgTx)(nil)
)
