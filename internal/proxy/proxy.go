// Package proxy forwards admitted requests to provider upstreams.
//
// Forward never returns an error: upstream failures are mapped onto
// gateway status codes inside the Result so the billing stage always has
// a final status to inspect.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nexusx/gateway/internal/listing"
)

// ForwardedByValue identifies the gateway to upstreams.
const ForwardedByValue = "nexusx-gateway"

// Result is the outcome of one upstream exchange.
type Result struct {
	Status    int
	Headers   http.Header
	Body      []byte
	LatencyMs int64
	// ErrorCode is set when the gateway substituted the status:
	// GATEWAY_TIMEOUT or BAD_GATEWAY.
	ErrorCode string
}

// Requests to upstreams never carry caller credentials or hop-by-hop
// transport headers.
var strippedRequestHeaders = map[string]bool{
	"Host":                true,
	"Authorization":       true,
	"X-Nexusx-Key":        true,
	"X-Payment":           true,
	"X-Forwarded-For":     true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

var strippedResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
}

// Engine forwards requests to listing upstreams.
type Engine struct {
	client          *http.Client
	timeout         time.Duration
	maxResponseSize int64
	logger          *slog.Logger
}

// NewEngine creates a proxy engine with the given upstream timeout and
// response size cap.
func NewEngine(timeout time.Duration, maxResponseSize int64, logger *slog.Logger) *Engine {
	return &Engine{
		client: &http.Client{
			Timeout: timeout,
			// Redirect targets could escape the listing's base URL.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:         timeout,
		maxResponseSize: maxResponseSize,
		logger:          logger,
	}
}

// Forward relays one request to the route's upstream and returns the final
// outcome. Latency is measured on the monotonic clock around the whole
// exchange, body read included.
func (e *Engine) Forward(ctx context.Context, route *listing.Route, requestID string, r *http.Request, subpath string, body io.Reader) Result {
	target := BuildTargetURL(route.BaseURL, subpath, r.URL.RawQuery)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return Result{
			Status:    http.StatusBadGateway,
			ErrorCode: "BAD_GATEWAY",
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	copyRequestHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-By", ForwardedByValue)
	req.Header.Set("X-NexusX-Request-Id", requestID)

	resp, err := e.client.Do(req)
	if err != nil {
		latency := time.Since(start).Milliseconds()
		if isTimeout(ctx, err) {
			e.logger.Warn("upstream timed out",
				"listing", route.Slug, "target", target, "latency_ms", latency)
			upstreamErrors.WithLabelValues(route.Slug, "timeout").Inc()
			return Result{Status: http.StatusGatewayTimeout, ErrorCode: "GATEWAY_TIMEOUT", LatencyMs: latency}
		}
		e.logger.Warn("upstream unreachable",
			"listing", route.Slug, "target", target, "error", err)
		upstreamErrors.WithLabelValues(route.Slug, "transport").Inc()
		return Result{Status: http.StatusBadGateway, ErrorCode: "BAD_GATEWAY", LatencyMs: latency}
	}
	defer resp.Body.Close()

	respBody, err := readCapped(resp.Body, e.maxResponseSize)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			upstreamErrors.WithLabelValues(route.Slug, "oversize").Inc()
			return Result{Status: http.StatusBadGateway, ErrorCode: "BAD_GATEWAY", LatencyMs: latency}
		}
		if isTimeout(ctx, err) {
			upstreamErrors.WithLabelValues(route.Slug, "timeout").Inc()
			return Result{Status: http.StatusGatewayTimeout, ErrorCode: "GATEWAY_TIMEOUT", LatencyMs: latency}
		}
		upstreamErrors.WithLabelValues(route.Slug, "transport").Inc()
		return Result{Status: http.StatusBadGateway, ErrorCode: "BAD_GATEWAY", LatencyMs: latency}
	}

	headers := make(http.Header, len(resp.Header))
	for name, values := range resp.Header {
		if strippedResponseHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		headers[name] = values
	}

	upstreamLatency.WithLabelValues(route.Slug).Observe(float64(latency) / 1000)
	return Result{Status: resp.StatusCode, Headers: headers, Body: respBody, LatencyMs: latency}
}

// BuildTargetURL joins a listing base URL with the caller's subpath and
// query. Exactly one slash separates base and subpath.
func BuildTargetURL(baseURL, subpath, rawQuery string) string {
	base := strings.TrimRight(baseURL, "/")
	sub := strings.TrimLeft(subpath, "/")
	target := base
	if sub != "" {
		target = base + "/" + sub
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if strippedRequestHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		dst[name] = values
	}
}

var errResponseTooLarge = errors.New("proxy: upstream response exceeds size cap")

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errResponseTooLarge
	}
	return body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}

// Pretty-prints the cap for the status endpoint.
func (e *Engine) Limits() string {
	return fmt.Sprintf("timeout=%s max_response_bytes=%d", e.timeout, e.maxResponseSize)
}
