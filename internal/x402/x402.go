// Package x402 implements pay-per-call admission using the x402 payment
// protocol: unpaid requests receive a 402 challenge describing the
// required USDC transfer, paid requests are verified against an external
// facilitator and settled only after the upstream call succeeds.
package x402

import (
	"encoding/json"
	"strconv"
)

// ProtocolVersion is the x402 wire version the gateway speaks.
const ProtocolVersion = 1

// MaxTimeoutSeconds bounds how long a payment authorization stays valid.
const MaxTimeoutSeconds = 30

// USDC contract addresses by network.
var usdcAssets = map[string]string{
	"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// AssetForNetwork returns the USDC contract address for a network.
func AssetForNetwork(network string) (string, bool) {
	asset, ok := usdcAssets[network]
	return asset, ok
}

// PaymentRequirement describes one acceptable payment, in the shape the
// facilitator and x402 clients expect.
type PaymentRequirement struct {
	Scheme            string      `json:"scheme"`
	Network           string      `json:"network"`
	MaxAmountRequired string      `json:"maxAmountRequired"`
	Resource          string      `json:"resource"`
	Description       string      `json:"description,omitempty"`
	MimeType          string      `json:"mimeType,omitempty"`
	PayTo             string      `json:"payTo"`
	MaxTimeoutSeconds int         `json:"maxTimeoutSeconds"`
	Asset             string      `json:"asset"`
	Extra             *AssetExtra `json:"extra,omitempty"`
}

// AssetExtra carries the EIP-712 domain fields for the asset.
type AssetExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewRequirement builds the exact-scheme USDC requirement for one call.
// The amount is the listing price in micro-units rendered as a decimal
// integer string.
func NewRequirement(network, resource, payTo, description string, priceMicro int64) PaymentRequirement {
	asset, _ := AssetForNetwork(network)
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: strconv.FormatInt(priceMicro, 10),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: MaxTimeoutSeconds,
		Asset:             asset,
		Extra:             &AssetExtra{Name: "USDC", Version: "2"},
	}
}

// DeferredPayment is a verified but unsettled payment attached to the
// request context. Settlement happens after the upstream call, and only
// when it did not fail with a 5xx.
type DeferredPayment struct {
	Payload     json.RawMessage
	Requirement PaymentRequirement
	Payer       string
}

// SettledPayment records a completed settlement.
type SettledPayment struct {
	TxHash  string
	Network string
	Payer   string
}
