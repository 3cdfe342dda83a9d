package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/bundle"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/logging"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/reliability"
	"github.com/nexusx/gateway/internal/traces"
	"github.com/nexusx/gateway/internal/usdc"
	"github.com/nexusx/gateway/internal/x402"
)

// Bundle step attribution headers set by orchestrating buyers.
const (
	HeaderBundleSession = "X-NexusX-Bundle-Session-Id"
	HeaderBundleStep    = "X-NexusX-Bundle-Step-Index"
)

// handleProxy is the metered hot path: resolve, admit, forward, bill.
func (s *Server) handleProxy(c *gin.Context) {
	rc, ok := auth.FromGin(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "Missing request context",
		})
		return
	}

	slug := c.Param("listingSlug")
	ctx, span := traces.StartSpan(c.Request.Context(), "gateway.ProxyCall",
		traces.Listing(slug), traces.RequestID(rc.RequestID))
	defer span.End()

	route, err := s.resolver.ResolveBySlug(ctx, slug)
	if err != nil {
		s.writeResolveError(c, err)
		return
	}
	if !route.Proxyable() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "LISTING_UNAVAILABLE",
			"message": "Listing " + slug + " is not accepting calls (status " + string(route.Status) + ")",
		})
		return
	}

	// Per-request copy so the sandbox flag never mutates the cached route.
	route = route.Clone()
	if s.cfg.SandboxEnabled && isTruthy(c.GetHeader(x402.HeaderSandbox)) {
		route.IsSandbox = true
	}

	hint, ok := s.admitBundleStep(ctx, c, rc, slug)
	if !ok {
		return
	}

	var body []byte
	if c.Request.Body != nil {
		body, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "INVALID_INPUT",
				"message": "Request body exceeds " + strconv.FormatInt(s.cfg.MaxBodySize, 10) + " bytes",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_INPUT",
			"message": "Failed to read request body",
		})
		return
	}

	res := s.proxyEngine.Forward(ctx, route, rc.RequestID, c.Request, c.Param("path"), bytes.NewReader(body))

	// Off the request path; the score endpoint tolerates lag.
	sample := reliability.Sample{LatencyMs: res.LatencyMs, Status: res.Status}
	s.queue.Submit("reliability.record_sample", func(ctx context.Context) error {
		return s.aggregator.Record(ctx, slug, sample)
	})

	payment := x402.PaymentFromGin(c)
	var settled *x402.SettledPayment
	if s.challenger != nil {
		settled = s.challenger.SettleIfEligible(payment, res.Status)
	}

	tx := s.biller.ProcessCall(rc, route, res, hint)

	s.writeUpstreamResponse(c, rc, route, res, tx, payment, settled)
}

// admitBundleStep validates the optional bundle attribution headers. A false
// return means the error response has been written.
func (s *Server) admitBundleStep(ctx context.Context, c *gin.Context, rc *auth.RequestContext, slug string) (*billing.BundleHint, bool) {
	sessionID := strings.TrimSpace(c.GetHeader(HeaderBundleSession))
	stepRaw := strings.TrimSpace(c.GetHeader(HeaderBundleStep))
	if sessionID == "" && stepRaw == "" {
		return nil, true
	}
	if sessionID == "" || stepRaw == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_BUNDLE_CONTEXT",
			"message": "Bundle session id and step index headers must be set together",
		})
		return nil, false
	}
	if rc.AuthMode == auth.ModePayPerCall {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_BUNDLE_CONTEXT",
			"message": "Bundle sessions are not available to pay-per-call requests",
		})
		return nil, false
	}
	stepIndex, err := strconv.Atoi(stepRaw)
	if err != nil || stepIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_BUNDLE_CONTEXT",
			"message": "Bundle step index must be a non-negative integer",
		})
		return nil, false
	}

	hint, err := s.bundleEngine.AdmitStep(ctx, sessionID, stepIndex, rc.BuyerID, slug)
	if err != nil {
		status, code := bundle.ErrorStatus(err)
		logging.L(ctx).Warn("bundle step rejected",
			"session", sessionID, "step", stepIndex, "code", code)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return nil, false
	}
	return hint, true
}

func (s *Server) writeUpstreamResponse(c *gin.Context, rc *auth.RequestContext, route *listing.Route,
	res proxy.Result, tx *billing.Transaction, payment *x402.DeferredPayment, settled *x402.SettledPayment) {

	h := c.Writer.Header()
	for key, values := range res.Headers {
		h[key] = values
	}

	h.Set("X-NexusX-Request-Id", rc.RequestID)
	h.Set("X-NexusX-Listing", route.Slug)
	h.Set("X-NexusX-Latency-Ms", strconv.FormatInt(res.LatencyMs, 10))
	h.Set("X-NexusX-Billing-Mode", strings.ToLower(string(tx.BillingMode)))

	if tx.BillingMode == billing.ModeBundleStep {
		// Nothing is realized until the session finalizes.
		h.Set("X-NexusX-Price-USDC", usdc.Format(0))
		h.Set("X-NexusX-Fee-USDC", usdc.Format(0))
		if tx.QuotedPrice != nil {
			h.Set("X-NexusX-Bundle-Quoted-Price-USDC", usdc.Format(*tx.QuotedPrice))
		}
		h.Set(HeaderBundleSession, tx.BundleSessionID)
		if tx.BundleStepIndex != nil {
			h.Set(HeaderBundleStep, strconv.Itoa(*tx.BundleStepIndex))
		}
	} else {
		h.Set("X-NexusX-Price-USDC", usdc.Format(tx.Price))
		h.Set("X-NexusX-Fee-USDC", usdc.Format(tx.PlatformFee))
	}

	if route.IsSandbox {
		h.Set("X-NexusX-Sandbox", "true")
	}
	if payment != nil {
		h.Set("X-NexusX-Payment", "x402")
	}
	if settled != nil {
		h.Set("X-NexusX-TxHash", settled.TxHash)
	}

	if res.ErrorCode != "" {
		c.JSON(res.Status, gin.H{
			"error":     res.ErrorCode,
			"message":   gatewayErrorMessage(res.ErrorCode),
			"requestId": rc.RequestID,
		})
		return
	}

	c.Writer.WriteHeader(res.Status)
	if len(res.Body) > 0 {
		_, _ = c.Writer.Write(res.Body)
	}
}

func gatewayErrorMessage(code string) string {
	switch code {
	case "GATEWAY_TIMEOUT":
		return "Upstream did not respond in time"
	case "BAD_GATEWAY":
		return "Upstream request failed"
	default:
		return "Proxy error"
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
