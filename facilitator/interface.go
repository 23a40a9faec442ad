// Package facilitator defines the interface for payment challenge and
// settlement operations.
//
// A facilitator prices purchases, issues challenges, and settles signed
// payments on the blockchain. The in-process relay and the HTTP client for a
// remote relay both satisfy this interface, so the HTTP middleware and the
// MCP server work with either.
package facilitator

import (
	"context"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
)

// Interface defines the standard facilitator contract.
type Interface interface {
	// Pricing returns the ledger's pricing table.
	Pricing(ctx context.Context) (x402.PricingTable, error)

	// BuildChallenge prices a purchase and returns the structures to sign.
	BuildChallenge(ctx context.Context, req relay.ChallengeRequest) (*x402.Challenge, error)

	// Settle verifies and settles a signed payment, then records the
	// purchase. The response is non-nil even on failure.
	Settle(ctx context.Context, req *x402.SettlementRequest) (*x402.SettleResponse, error)
}

var _ Interface = (*relay.Relay)(nil)

// ChallengeRequest is the request payload sent to POST /challenge.
type ChallengeRequest struct {
	// Purchase is what the caller wants to buy.
	Purchase x402.Purchase `json:"purchase"`

	// RequestID makes the challenge nonce deterministic. Optional.
	RequestID string `json:"requestId,omitempty"`

	// Payer is the address that will sign. Optional.
	Payer string `json:"payer,omitempty"`
}

// SessionResponse is the response of POST /session.
type SessionResponse struct {
	Token     string `json:"token"`
	Address   string `json:"address"`
	ExpiresAt int64  `json:"expiresAt"`
}

// AccessResponse is the response of GET /access/{address}.
type AccessResponse struct {
	Address string `json:"address"`
	x402.AccessStatus
}
