package bundle

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/usdc"
)

// Handler exposes the bundle session endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates an HTTP handler over the engine.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes mounts the bundle endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/bundle-sessions/register", h.register)
	rg.GET("/bundle-sessions/:id", h.get)
	rg.POST("/bundle-sessions/:id/finalize", h.finalize)
}

type registerRequest struct {
	BundleSlug      string                 `json:"bundleSlug" binding:"required"`
	ToolSlugs       []string               `json:"toolSlugs" binding:"required"`
	TargetPriceUsdc string                 `json:"targetPriceUsdc" binding:"required"`
	PlatformFeeRate *string                `json:"platformFeeRate,omitempty"`
	ExpiresAt       *time.Time             `json:"expiresAt,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

func (h *Handler) register(c *gin.Context) {
	rc, ok := auth.FromGin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "authentication required"})
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}
	target, ok := usdc.Parse(req.TargetPriceUsdc)
	if !ok || target <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": "targetPriceUsdc must be a positive 6-decimal amount"})
		return
	}
	in := RegisterInput{
		BuyerID:     rc.BuyerID,
		APIKeyID:    rc.APIKeyID,
		BundleSlug:  req.BundleSlug,
		ToolSlugs:   req.ToolSlugs,
		TargetPrice: target,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
	}
	if req.PlatformFeeRate != nil {
		rate, ok := usdc.ParseRate(*req.PlatformFeeRate)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": "platformFeeRate must be a 4-decimal rate in [0, 1]"})
			return
		}
		in.FeeRate = &rate
	}

	session, err := h.engine.Register(c.Request.Context(), in)
	if err != nil {
		status, code := ErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sessionView(session))
}

func (h *Handler) get(c *gin.Context) {
	rc, ok := auth.FromGin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "authentication required"})
		return
	}
	session, err := h.engine.Get(c.Request.Context(), c.Param("id"), rc.BuyerID)
	if err != nil {
		status, code := ErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

func (h *Handler) finalize(c *gin.Context) {
	rc, ok := auth.FromGin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "authentication required"})
		return
	}
	result, err := h.engine.Finalize(c.Request.Context(), c.Param("id"), rc.BuyerID)
	if err != nil {
		status, code := ErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultView(result))
}

// ErrorStatus maps a bundle error to its HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, ErrInvalidContext):
		return http.StatusBadRequest, "INVALID_BUNDLE_CONTEXT"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "BUNDLE_SESSION_NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrExpired):
		return http.StatusConflict, "BUNDLE_SESSION_EXPIRED"
	case errors.Is(err, ErrClosed):
		return http.StatusConflict, "BUNDLE_SESSION_CLOSED"
	case errors.Is(err, ErrStepMismatch):
		return http.StatusConflict, "BUNDLE_STEP_MISMATCH"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// sessionView renders money fields as 6-decimal strings.
func sessionView(s *Session) gin.H {
	view := gin.H{
		"id":                  s.ID,
		"buyerId":             s.BuyerID,
		"bundleSlug":          s.BundleSlug,
		"toolSlugs":           s.ToolSlugs,
		"status":              s.Status,
		"registeredGrossUsdc": usdc.Format(s.RegisteredGross),
		"targetPriceUsdc":     usdc.Format(s.TargetPrice),
		"executedGrossUsdc":   usdc.Format(s.ExecutedGross),
		"billedPriceUsdc":     usdc.Format(s.BilledPrice),
		"discountUsdc":        usdc.Format(s.Discount),
		"platformFeeUsdc":     usdc.Format(s.PlatformFee),
		"providerPoolUsdc":    usdc.Format(s.ProviderPool),
		"platformFeeRate":     usdc.FormatRate(s.FeeRate),
		"expiresAt":           s.ExpiresAt,
		"createdAt":           s.CreatedAt,
	}
	if s.FinalizedAt != nil {
		view["finalizedAt"] = s.FinalizedAt
	}
	if s.Metadata != nil {
		view["metadata"] = s.Metadata
	}
	return view
}

func resultView(r *FinalizeResult) gin.H {
	allocations := make([]gin.H, len(r.Allocations))
	for i, a := range r.Allocations {
		allocations[i] = gin.H{
			"transactionId":      a.TransactionID,
			"providerId":         a.ProviderID,
			"listingId":          a.ListingID,
			"listPriceUsdc":      usdc.Format(a.ListPrice),
			"weight":             a.Weight,
			"allocatedPriceUsdc": usdc.Format(a.AllocatedPrice),
			"platformFeeUsdc":    usdc.Format(a.PlatformFee),
			"providerAmountUsdc": usdc.Format(a.ProviderAmount),
		}
	}
	return gin.H{
		"session":     sessionView(r.Session),
		"allocations": allocations,
	}
}
