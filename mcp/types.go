// Package mcp provides x402 access gating for MCP (Model Context Protocol)
// tool calls.
//
// Identity, payments and access results travel in the _meta object of
// tools/call params and results:
//   - x402/wallet carries a wallet ownership proof
//   - x402/session carries a session token issued by the relay
//   - x402/call-id names a paid per-call identifier
//   - x402/payment carries a signed settlement request
//
// A denied call returns JSON-RPC error 402 whose data is a PaymentRequired.
package mcp

import (
	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Keys read from params._meta of a tools/call request.
const (
	MetaWallet  = "x402/wallet"
	MetaSession = "x402/session"
	MetaCallID  = "x402/call-id"
	MetaPayment = "x402/payment"
)

// Keys written to result._meta of a gated tool call.
const (
	MetaPaymentResponse = "x402/payment-response"
	MetaAccess          = "x402/access"
)

// JSON-RPC error codes used by the access handler.
const (
	CodePaymentRequired  = 402
	CodeIdentityRequired = 401
	CodeParseError       = -32700
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
)

// PaymentRequired is the data of a 402 error. Signing Challenge and sending
// the result back in x402/payment, with the challenge's call identifier in
// x402/call-id, admits the call once.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable reason for the denial.
	Error string `json:"error"`

	// Tool is the tool that was called.
	Tool string `json:"tool"`

	// Resource is the tool's resource URL (mcp://tools/<name>).
	Resource string `json:"resource"`

	// Challenge is the per-call payment challenge.
	Challenge *x402.Challenge `json:"challenge"`
}

// AccessInfo reports how a gated tool call was admitted.
type AccessInfo struct {
	Tier   x402.Tier `json:"tier"`
	Debit  uint64    `json:"debit"`
	CallID string    `json:"callId,omitempty"`
}
