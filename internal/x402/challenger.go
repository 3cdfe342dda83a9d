package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/signals"
	"github.com/nexusx/gateway/internal/usdc"
)

// Gin context key for the deferred payment attached on admission.
const PaymentContextKey = "nexusx.deferredPayment"

// HeaderPayment carries the base64-encoded payment payload.
const HeaderPayment = "X-Payment"

// HeaderSandbox requests sandbox admission without payment.
const HeaderSandbox = "X-NexusX-Sandbox"

// RouteSource resolves the listing being called.
type RouteSource interface {
	ResolveBySlug(ctx context.Context, slug string) (*listing.Route, error)
}

// Challenger admits pay-per-call requests: it answers unpaid calls with a
// 402 challenge and verifies paid ones against the facilitator. Payment
// settlement is deferred until after the upstream call succeeds.
type Challenger struct {
	routes         RouteSource
	facilitator    *Facilitator
	emitter        signals.Emitter
	network        string
	payTo          string
	sandboxEnabled bool
	defaultRPM     int
	logger         *slog.Logger
}

// NewChallenger creates a pay-per-call admission middleware. payTo is the
// platform wallet receiving payments; defaultRPM rate-limits anonymous
// payers.
func NewChallenger(routes RouteSource, facilitator *Facilitator, emitter signals.Emitter,
	network, payTo string, sandboxEnabled bool, defaultRPM int, logger *slog.Logger) *Challenger {
	return &Challenger{
		routes:         routes,
		facilitator:    facilitator,
		emitter:        emitter,
		network:        network,
		payTo:          payTo,
		sandboxEnabled: sandboxEnabled,
		defaultRPM:     defaultRPM,
		logger:         logger,
	}
}

// Middleware runs challengeOrAdmit for the proxy hot path.
func (ch *Challenger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ch.challengeOrAdmit(c)
	}
}

func (ch *Challenger) challengeOrAdmit(c *gin.Context) {
	requestID := c.GetString(auth.RequestIDContextKey)

	if ch.sandboxEnabled && c.GetHeader(HeaderSandbox) == "true" {
		c.Set(auth.ContextKey, &auth.RequestContext{
			BuyerID:      "sandbox",
			RateLimitRPM: ch.defaultRPM,
			RequestID:    requestID,
			ReceivedAt:   time.Now(),
			AuthMode:     auth.ModePayPerCall,
		})
		c.Next()
		return
	}

	slug := c.Param("listingSlug")
	route, err := ch.routes.ResolveBySlug(c.Request.Context(), slug)
	if err != nil {
		if err == listing.ErrNotFound {
			c.AbortWithStatusJSON(http.StatusNotFound,
				gin.H{"error": "LISTING_NOT_FOUND", "message": "unknown listing " + slug, "requestId": requestID})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			gin.H{"error": "INTERNAL_ERROR", "message": "listing lookup failed", "requestId": requestID})
		return
	}
	if !route.Proxyable() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			gin.H{"error": "LISTING_UNAVAILABLE", "message": "listing " + slug + " is not accepting calls", "requestId": requestID})
		return
	}

	resource := requestURL(c.Request)
	requirement := NewRequirement(ch.network, resource, ch.payTo, "Call to "+route.Name, route.Price)

	header := c.GetHeader(HeaderPayment)
	if header == "" {
		ch.emitter.Emit(signals.Signal{
			ListingID: route.ID,
			Type:      signals.TypeView,
			Weight:    signals.WeightView,
			Timestamp: time.Now(),
		})
		challengesIssued.Inc()
		c.AbortWithStatusJSON(http.StatusPaymentRequired, ch.challengeBody(requestID, route, requirement))
		return
	}

	payload, err := decodePayment(header)
	if err != nil {
		ch.rejectPayment(c, requestID, route, requirement, "malformed X-Payment header")
		return
	}
	verify, err := ch.facilitator.Verify(c.Request.Context(), payload, requirement)
	if err != nil {
		ch.logger.Warn("payment verification unavailable", "listing", slug, "error", err)
		ch.rejectPayment(c, requestID, route, requirement, "payment verification failed")
		return
	}
	if !verify.IsValid {
		ch.rejectPayment(c, requestID, route, requirement, "invalid payment: "+verify.InvalidReason)
		return
	}

	payer := verify.PayerID()
	c.Set(auth.ContextKey, &auth.RequestContext{
		BuyerID:       payer,
		WalletAddress: payer,
		RateLimitRPM:  ch.defaultRPM,
		RequestID:     requestID,
		ReceivedAt:    time.Now(),
		AuthMode:      auth.ModePayPerCall,
	})
	c.Set(PaymentContextKey, &DeferredPayment{
		Payload:     payload,
		Requirement: requirement,
		Payer:       payer,
	})
	paymentsVerified.Inc()
	ch.emitter.Emit(signals.Signal{
		ListingID: route.ID,
		BuyerID:   payer,
		Type:      signals.TypeAPICall,
		Weight:    signals.WeightAPICall,
		Timestamp: time.Now(),
	})
	c.Next()
}

// SettleIfEligible settles a deferred payment after the upstream exchange,
/// honouring pay-on-success: a gateway or provider 5xx leaves the buyer's
// funds untouched. Settlement failures are logged for reconciliation and
// never fail the already-delivered response.
//
// The caller's request context is deliberately not used: a client
// disconnect must not abandon a settlement already owed.
func (ch *Challenger) SettleIfEligible(payment *DeferredPayment, upstreamStatus int) *SettledPayment {
	if payment == nil || upstreamStatus >= 500 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), facilitatorTimeout)
	defer cancel()

	res, err := ch.facilitator.Settle(ctx, payment.Payload, payment.Requirement)
	if err != nil {
		ch.logger.Error("payment settlement failed, needs reconciliation",
			"payer", payment.Payer, "error", err)
		settlementFailures.Inc()
		return nil
	}
	if !res.Success {
		ch.logger.Error("payment settlement rejected, needs reconciliation",
			"payer", payment.Payer, "reason", res.ErrorReason)
		settlementFailures.Inc()
		return nil
	}
	paymentsSettled.Inc()
	return &SettledPayment{TxHash: res.Hash(), Network: res.Network, Payer: res.Payer}
}

// PaymentFromGin returns the deferred payment attached on admission.
func PaymentFromGin(c *gin.Context) *DeferredPayment {
	v, ok := c.Get(PaymentContextKey)
	if !ok {
		return nil
	}
	payment, _ := v.(*DeferredPayment)
	return payment
}

func (ch *Challenger) rejectPayment(c *gin.Context, requestID string, route *listing.Route, requirement PaymentRequirement, message string) {
	paymentsRejected.Inc()
	body := ch.challengeBody(requestID, route, requirement)
	body["error"] = "PAYMENT_INVALID"
	body["message"] = message
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func (ch *Challenger) challengeBody(requestID string, route *listing.Route, requirement PaymentRequirement) gin.H {
	return gin.H{
		"error":               "PAYMENT_REQUIRED",
		"message":             "payment required to call " + route.Slug,
		"requestId":           requestID,
		"paymentRequirements": []PaymentRequirement{requirement},
		"x402": gin.H{
			"version":          ProtocolVersion,
			"currentPriceUsdc": usdc.Format(route.Price),
			"floorPriceUsdc":   usdc.Format(route.FloorPrice),
			"listing":          route.Slug,
			"network":          ch.network,
			"facilitatorUrl":   ch.facilitator.BaseURL(),
		},
	}
}

func decodePayment(header string) (json.RawMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
