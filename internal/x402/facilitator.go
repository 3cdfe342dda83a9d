package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const facilitatorTimeout = 10 * time.Second

// Facilitator talks to the external x402 facilitator service.
type Facilitator struct {
	baseURL string
	client  *http.Client
}

// NewFacilitator creates a client for the facilitator at baseURL.
func NewFacilitator(baseURL string) *Facilitator {
	return &Facilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: facilitatorTimeout},
	}
}

// BaseURL returns the configured facilitator endpoint.
func (f *Facilitator) BaseURL() string { return f.baseURL }

type facilitatorRequest struct {
	PaymentPayload      json.RawMessage    `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	PayerAddress  string `json:"payerAddress,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// PayerID returns whichever payer field the facilitator populated.
func (r *VerifyResponse) PayerID() string {
	if r.Payer != "" {
		return r.Payer
	}
	return r.PayerAddress
}

// SettleResponse is the facilitator's answer to /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Hash returns whichever transaction-hash field the facilitator populated.
func (r *SettleResponse) Hash() string {
	if r.TxHash != "" {
		return r.TxHash
	}
	return r.Transaction
}

// Verify checks a payment payload against a requirement.
func (f *Facilitator) Verify(ctx context.Context, payload json.RawMessage, req PaymentRequirement) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := f.post(ctx, "/verify", facilitatorRequest{PaymentPayload: payload, PaymentRequirements: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle executes a verified payment on chain.
func (f *Facilitator) Settle(ctx context.Context, payload json.RawMessage, req PaymentRequirement) (*SettleResponse, error) {
	var out SettleResponse
	if err := f.post(ctx, "/settle", facilitatorRequest{PaymentPayload: payload, PaymentRequirements: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *Facilitator) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator %s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode facilitator %s response: %w", path, err)
	}
	return nil
}
