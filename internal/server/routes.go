package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/ratelimit"
	"github.com/nexusx/gateway/internal/usdc"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router.GET("/pricing/:listingSlug", s.handlePricing)
	s.router.GET("/reliability/:listingSlug", s.handleReliability)

	// Bundle lifecycle requires a real API key; pay-per-call callers have
	// no wallet to settle a session against.
	bundles := s.router.Group("/", auth.Middleware(s.authenticator, s.queue, s.logger))
	s.bundleHandler.RegisterRoutes(bundles)

	// The proxy hot path.
	s.router.Any("/v1/:listingSlug/*path",
		s.bodyLimitMiddleware(),
		s.admissionMiddleware(),
		ratelimit.Middleware(s.limiter, s.emitter),
		s.handleProxy,
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	checks, healthy := s.checks.Run(c.Request.Context())
	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":        state,
		"checks":        checks,
		"uptimeSeconds": s.checks.UptimeSeconds(),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	ready := s.ready.Load()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":         ready,
		"uptimeSeconds": s.checks.UptimeSeconds(),
		"routeCache":    s.resolver.Stats(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":       "nexusx-gateway",
		"env":           s.cfg.Env,
		"uptimeSeconds": s.checks.UptimeSeconds(),
		"routeCache":    s.resolver.Stats(),
		"rateLimiter": gin.H{
			"trackedWindows": s.limiter.Size(),
		},
		"proxy":          s.proxyEngine.Limits(),
		"x402Enabled":    s.challenger != nil,
		"sandboxEnabled": s.cfg.SandboxEnabled,
		"runtime":        memStats(),
	})
}

// handlePricing is the public quote endpoint: what one call to this listing
// costs right now and how the price splits.
func (s *Server) handlePricing(c *gin.Context) {
	slug := c.Param("listingSlug")
	route, err := s.resolver.ResolveBySlug(c.Request.Context(), slug)
	if err != nil {
		s.writeResolveError(c, err)
		return
	}

	fee, provider := usdc.Split(route.Price, s.cfg.PlatformFeeRate)
	c.JSON(http.StatusOK, gin.H{
		"listing":          route.Slug,
		"name":             route.Name,
		"status":           route.Status,
		"currentPriceUsdc": usdc.Format(route.Price),
		"floorPriceUsdc":   usdc.Format(route.FloorPrice),
		"feeSplit": gin.H{
			"buyerPays":        usdc.Format(route.Price),
			"providerReceives": usdc.Format(provider),
			"platformFee":      usdc.Format(fee),
			"feeRate":          usdc.FormatRate(s.cfg.PlatformFeeRate),
		},
		"capacity": gin.H{
			"requestsPerMinute": route.CapacityPerMinute,
		},
		"isSandbox": route.IsSandbox,
	})
}

func (s *Server) handleReliability(c *gin.Context) {
	slug := c.Param("listingSlug")
	if _, err := s.resolver.ResolveBySlug(c.Request.Context(), slug); err != nil {
		s.writeResolveError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	score, err := s.aggregator.Score(ctx, slug)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "Reliability data is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listing": slug,
		"score":   score,
	})
}

func (s *Server) writeResolveError(c *gin.Context, err error) {
	if errors.Is(err, listing.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "LISTING_NOT_FOUND",
			"message": "No listing with slug " + c.Param("listingSlug"),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL_ERROR",
		"message": "Failed to resolve listing",
	})
}
