// Package billing computes fee splits and records call transactions.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/idgen"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/signals"
	"github.com/nexusx/gateway/internal/tasks"
	"github.com/nexusx/gateway/internal/usdc"
)

// Status is a transaction lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
	StatusDisputed  Status = "DISPUTED"
)

// Mode distinguishes individually settled calls from bundle steps.
type Mode string

const (
	ModeIndividual Mode = "INDIVIDUAL"
	ModeBundleStep Mode = "BUNDLE_STEP"
)

// Transaction is the persisted record of one billed call. Amounts are USDC
// micro-units; fee rates are on the 4-decimal grid.
type Transaction struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"requestId"`
	ListingID        string    `json:"listingId"`
	BuyerID          string    `json:"buyerId"`
	Status           Status    `json:"status"`
	BillingMode      Mode      `json:"billingMode"`
	BundleSessionID  string    `json:"bundleSessionId,omitempty"`
	BundleStepIndex  *int      `json:"bundleStepIndex,omitempty"`
	SettledViaBundle bool      `json:"settledViaBundle"`
	Price            int64     `json:"priceUsdc"`
	PlatformFee      int64     `json:"platformFeeUsdc"`
	ProviderAmount   int64     `json:"providerAmountUsdc"`
	FeeRateApplied   int64     `json:"feeRateApplied"`
	QuotedPrice      *int64    `json:"quotedPriceUsdc,omitempty"`
	QuotedFee        *int64    `json:"quotedFeeUsdc,omitempty"`
	QuotedProvider   *int64    `json:"quotedProviderUsdc,omitempty"`
	ResponseTimeMs   int64     `json:"responseTimeMs"`
	HTTPStatus       int       `json:"httpStatus"`
	BytesTransferred int64     `json:"bytesTransferred"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store persists transactions. The bundle finalizer mutates records
// through its own transactional store; this surface covers the hot path.
type Store interface {
	Insert(ctx context.Context, tx *Transaction) error
}

// BundleHint marks a call as a step of a registered bundle session.
type BundleHint struct {
	SessionID string
	StepIndex int
}

// Billable reports whether a completed exchange should be charged.
// Gateway-substituted 5xx statuses are the provider's failure, not the
// buyer's consumption.
func Billable(status int, sandbox bool) bool {
	return (status < 500 || status >= 600) && !sandbox
}

// Biller computes fee splits and records transactions off the hot path.
type Biller struct {
	store   Store
	emitter signals.Emitter
	queue   *tasks.Queue
	feeRate int64 // 4-decimal platform rate for individual calls
	logger  *slog.Logger
}

// NewBiller creates a biller charging the given 4-decimal platform fee rate.
func NewBiller(store Store, emitter signals.Emitter, queue *tasks.Queue, feeRate int64, logger *slog.Logger) *Biller {
	return &Biller{
		store:   store,
		emitter: emitter,
		queue:   queue,
		feeRate: usdc.ClampRate(feeRate),
		logger:  logger,
	}
}

// ProcessCall bills one completed exchange and returns the record that
// describes it. Persistence is fire-and-forget; the returned record is
// what the response headers are built from.
func (b *Biller) ProcessCall(rc *auth.RequestContext, route *listing.Route, res proxy.Result, hint *BundleHint) *Transaction {
	now := time.Now()

	if route.IsSandbox {
		b.emitter.Emit(signals.Signal{
			ListingID: route.ID,
			BuyerID:   rc.BuyerID,
			Type:      signals.TypeSandboxTest,
			Weight:    signals.WeightSandboxTest,
			Timestamp: now,
		})
		return b.zeroRecord(rc, route, res, StatusConfirmed, now)
	}
	if !Billable(res.Status, route.IsSandbox) {
		return b.zeroRecord(rc, route, res, StatusFailed, now)
	}

	fee, provider := usdc.Split(route.Price, b.feeRate)
	tx := &Transaction{
		ID:               idgen.WithPrefix("txn_"),
		RequestID:        rc.RequestID,
		ListingID:        route.ID,
		BuyerID:          rc.BuyerID,
		FeeRateApplied:   b.feeRate,
		ResponseTimeMs:   res.LatencyMs,
		HTTPStatus:       res.Status,
		BytesTransferred: int64(len(res.Body)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	metadata := map[string]interface{}{"httpStatus": res.Status}
	if hint != nil {
		// A quote only: the finalizer writes the realized amounts.
		idx := hint.StepIndex
		price, qFee, qProvider := route.Price, fee, provider
		tx.Status = StatusPending
		tx.BillingMode = ModeBundleStep
		tx.BundleSessionID = hint.SessionID
		tx.BundleStepIndex = &idx
		tx.QuotedPrice = &price
		tx.QuotedFee = &qFee
		tx.QuotedProvider = &qProvider
		metadata["bundleSessionId"] = hint.SessionID
	} else {
		tx.Status = StatusConfirmed
		tx.BillingMode = ModeIndividual
		tx.Price = route.Price
		tx.PlatformFee = fee
		tx.ProviderAmount = provider
	}

	b.persist(tx)
	transactionsRecorded.WithLabelValues(string(tx.BillingMode)).Inc()

	b.emitter.Emit(signals.Signal{
		ListingID: route.ID,
		BuyerID:   rc.BuyerID,
		Type:      signals.TypeAPICall,
		Weight:    signals.WeightAPICall,
		Metadata:  metadata,
		Timestamp: now,
	})
	return tx
}

func (b *Biller) zeroRecord(rc *auth.RequestContext, route *listing.Route, res proxy.Result, status Status, now time.Time) *Transaction {
	return &Transaction{
		RequestID:        rc.RequestID,
		ListingID:        route.ID,
		BuyerID:          rc.BuyerID,
		Status:           status,
		BillingMode:      ModeIndividual,
		FeeRateApplied:   b.feeRate,
		ResponseTimeMs:   res.LatencyMs,
		HTTPStatus:       res.Status,
		BytesTransferred: int64(len(res.Body)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (b *Biller) persist(tx *Transaction) {
	record := *tx
	submitted := b.queue.Submit("billing.insert_transaction", func(ctx context.Context) error {
		if err := b.store.Insert(ctx, &record); err != nil {
			b.logger.Error("transaction persistence failed",
				"transaction", record.ID, "request", record.RequestID, "error", err)
			persistFailures.Inc()
			return err
		}
		return nil
	})
	if !submitted {
		b.logger.Warn("transaction write skipped, queue full", "transaction", tx.ID)
		persistFailures.Inc()
	}
}
