package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexusx/gateway/internal/listing"
)

func testEngine(timeout time.Duration, maxResp int64) *Engine {
	return NewEngine(timeout, maxResp, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testRoute(baseURL string) *listing.Route {
	return &listing.Route{
		ID:      "lst_1",
		Slug:    "demo-api",
		BaseURL: baseURL,
		Status:  listing.StatusActive,
	}
}

func TestBuildTargetURL(t *testing.T) {
	tests := []struct {
		base, subpath, query, want string
	}{
		{"https://api.example.com", "/data", "", "https://api.example.com/data"},
		{"https://api.example.com/", "data", "", "https://api.example.com/data"},
		{"https://api.example.com/v2/", "/data/items", "page=2", "https://api.example.com/v2/data/items?page=2"},
		{"https://api.example.com", "", "", "https://api.example.com"},
		{"https://api.example.com", "/", "a=1", "https://api.example.com?a=1"},
	}
	for _, tt := range tests {
		if got := BuildTargetURL(tt.base, tt.subpath, tt.query); got != tt.want {
			t.Errorf("BuildTargetURL(%q, %q, %q) = %q, want %q", tt.base, tt.subpath, tt.query, got, tt.want)
		}
	}
}

func TestForwardRelaysRequest(t *testing.T) {
	var gotPath, gotQuery, gotForwardedBy, gotAuth, gotCustom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotForwardedBy = r.Header.Get("X-Forwarded-By")
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/demo-api/data/items?page=2", strings.NewReader(`{"in":1}`))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Custom", "kept")

	e := testEngine(5*time.Second, 1<<20)
	res := e.Forward(req.Context(), testRoute(upstream.URL), "req_1", req, "/data/items", req.Body)

	if res.Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (code %s)", res.Status, res.ErrorCode)
	}
	if gotPath != "/data/items" || gotQuery != "page=2" {
		t.Errorf("upstream saw %s?%s", gotPath, gotQuery)
	}
	if gotForwardedBy != ForwardedByValue {
		t.Errorf("X-Forwarded-By = %q", gotForwardedBy)
	}
	if gotAuth != "" {
		t.Error("Authorization header leaked upstream")
	}
	if gotCustom != "kept" {
		t.Error("non-sensitive header was stripped")
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("body = %q", res.Body)
	}
	if res.Headers.Get("Content-Type") != "application/json" {
		t.Error("upstream Content-Type not relayed")
	}
	if res.Headers.Get("Connection") != "" {
		t.Error("hop-by-hop response header not stripped")
	}
	if res.LatencyMs < 0 {
		t.Errorf("latency = %d", res.LatencyMs)
	}
}

func TestForwardTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/demo-api/slow", nil)
	e := testEngine(50*time.Millisecond, 1<<20)
	res := e.Forward(req.Context(), testRoute(upstream.URL), "req_1", req, "/slow", nil)

	if res.Status != http.StatusGatewayTimeout || res.ErrorCode != "GATEWAY_TIMEOUT" {
		t.Errorf("got %d %s, want 504 GATEWAY_TIMEOUT", res.Status, res.ErrorCode)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/demo-api/x", nil)
	e := testEngine(time.Second, 1<<20)
	// Port 1 is never listening in the test environment.
	res := e.Forward(req.Context(), testRoute("http://127.0.0.1:1"), "req_1", req, "/x", nil)

	if res.Status != http.StatusBadGateway || res.ErrorCode != "BAD_GATEWAY" {
		t.Errorf("got %d %s, want 502 BAD_GATEWAY", res.Status, res.ErrorCode)
	}
}

func TestForwardResponseSizeCap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/demo-api/big", nil)
	e := testEngine(time.Second, 1024)
	res := e.Forward(req.Context(), testRoute(upstream.URL), "req_1", req, "/big", nil)

	if res.Status != http.StatusBadGateway || res.ErrorCode != "BAD_GATEWAY" {
		t.Errorf("got %d %s, want 502 BAD_GATEWAY on oversize body", res.Status, res.ErrorCode)
	}
}

func TestForwardRelaysUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/demo-api/err", nil)
	e := testEngine(time.Second, 1<<20)
	res := e.Forward(req.Context(), testRoute(upstream.URL), "req_1", req, "/err", nil)

	if res.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want upstream 500 relayed as-is", res.Status)
	}
	if res.ErrorCode != "" {
		t.Errorf("ErrorCode = %q, want empty for relayed status", res.ErrorCode)
	}
}
