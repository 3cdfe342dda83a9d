package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPSink POSTs signals as JSON to the pricing engine's ingest endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink POSTing to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: deliverTimeout},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, sig Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post signal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal sink returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// MemorySink records delivered signals. Test double for the pricing engine.
type MemorySink struct {
	mu      sync.Mutex
	signals []Signal
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Deliver(_ context.Context, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

// Emit records the signal synchronously, so the sink doubles as an Emitter
// in tests that need deterministic ordering.
func (s *MemorySink) Emit(sig Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	_ = s.Deliver(context.Background(), sig)
}

// Signals returns a copy of everything delivered so far.
func (s *MemorySink) Signals() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Signal, len(s.signals))
	copy(out, s.signals)
	return out
}

// ByType returns delivered signals of one type.
func (s *MemorySink) ByType(t Type) []Signal {
	var out []Signal
	for _, sig := range s.Signals() {
		if sig.Type == t {
			out = append(out, sig)
		}
	}
	return out
}

// WaitFor polls until at least n signals of type t have been delivered or
// the timeout elapses.
func (s *MemorySink) WaitFor(t Type, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.ByType(t)) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(s.ByType(t)) >= n
}
