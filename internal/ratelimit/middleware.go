package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/signals"
)

// Middleware enforces the per-key request rate after authentication. The
// X-RateLimit headers are set on every response, allowed or denied.
func Middleware(l *Limiter, emitter signals.Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, ok := auth.FromGin(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "INTERNAL_ERROR", "message": "request context missing"})
			return
		}

		key := rc.APIKeyID
		if key == "" {
			key = rc.BuyerID
		}
		res := l.Check(key, rc.RateLimitRPM)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetMs, 10))

		if !res.Allowed {
			retryAfter := int64(math.Ceil(float64(res.ResetMs) / 1000))
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			emitter.Emit(signals.Signal{
				ListingID: c.Param("listingSlug"),
				BuyerID:   rc.BuyerID,
				Type:      signals.TypeRateLimited,
				Weight:    signals.WeightRateLimited,
				Timestamp: time.Now(),
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"error": "RATE_LIMITED", "message": "request rate limit exceeded"})
			return
		}

		c.Next()
	}
}
