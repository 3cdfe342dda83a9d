package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusx/gateway/internal/tasks"
)

// Gin context keys set by the middleware.
const (
	ContextKey          = "nexusx.requestContext"
	RequestIDContextKey = "nexusx.requestID"
)

// HeaderAPIKey is the gateway's own key header, checked after Bearer.
const HeaderAPIKey = "X-NexusX-Key"

// Middleware authenticates every request with an API key and attaches the
// resulting RequestContext. Requests without a valid key are rejected; the
// pay-per-call path uses its own admission middleware instead of this one.
func Middleware(a *Authenticator, queue *tasks.Queue, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := ExtractSecret(c.Request)
		clientIP := ClientIP(c.GetHeader("X-Forwarded-For"), c.Request.RemoteAddr)

		key, err := a.Authenticate(c.Request.Context(), secret, clientIP)
		if err != nil {
			status, code := errorStatus(err)
			if status == http.StatusInternalServerError {
				logger.Error("api key lookup failed", "error", err)
			}
			authFailures.WithLabelValues(code).Inc()
			c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}

		rc := &RequestContext{
			BuyerID:       key.UserID,
			WalletAddress: key.WalletAddress,
			APIKeyID:      key.ID,
			RateLimitRPM:  key.RateLimitRPM,
			RequestID:     c.GetString(RequestIDContextKey),
			ReceivedAt:    time.Now(),
			AuthMode:      ModeAPIKey,
		}
		c.Set(ContextKey, rc)

		// Off the request path; a full queue just skips the touch.
		id, now := key.ID, time.Now()
		queue.Submit("auth.touch_last_used", func(ctx context.Context) error {
			return a.store.TouchLastUsed(ctx, id, now)
		})

		c.Next()
	}
}

// ExtractSecret pulls the presented secret from a request, in precedence
// order: Authorization Bearer, then X-NexusX-Key, then the api_key query
// parameter. Returns "" when none is present.
func ExtractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const bearer = "Bearer "
		if len(h) > len(bearer) && strings.EqualFold(h[:len(bearer)], bearer) {
			return strings.TrimSpace(h[len(bearer):])
		}
	}
	if h := r.Header.Get(HeaderAPIKey); h != "" {
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// FromGin returns the RequestContext attached by an admission middleware.
func FromGin(c *gin.Context) (*RequestContext, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	rc, ok := v.(*RequestContext)
	return rc, ok
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoKey):
		return http.StatusUnauthorized, "NO_API_KEY"
	case errors.Is(err, ErrInvalidKey):
		return http.StatusUnauthorized, "INVALID_KEY"
	case errors.Is(err, ErrKeyInactive):
		return http.StatusForbidden, "KEY_INACTIVE"
	case errors.Is(err, ErrKeyExpired):
		return http.StatusForbidden, "KEY_EXPIRED"
	case errors.Is(err, ErrIPRestricted):
		return http.StatusForbidden, "IP_RESTRICTED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
