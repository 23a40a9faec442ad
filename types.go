// Package x402 holds the shared types of the pay-per-request access engine.
//
// A caller obtains metered access to a resource through one of three tiers:
//   - premium: time-boxed unlimited access
//   - credits: prepaid consumable credits debited per operation
//   - per-call: one signed payment authorization per call
//
// There are no user accounts. Wallet possession is identity and a verified
// payment event is the permission grant.
//
// Import path: github.com/KartikMantri/pay-per-request-prompt-x402
package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Protocol version constant
const X402Version = 2

// Tier is the access tier an allowed request was resolved to.
type Tier string

const (
	// TierPremium is time-boxed unlimited access.
	TierPremium Tier = "premium"

	// TierCredits is access paid from a prepaid credit balance.
	TierCredits Tier = "credits"

	// TierPerCall is access paid by a single per-call payment.
	TierPerCall Tier = "per-call"
)

// AccessStatus is the access-status view of one account.
type AccessStatus struct {
	// IsPremium reports whether premium access is active now.
	IsPremium bool `json:"isPremium"`

	// PremiumExpiresAt is the unix time premium ends (0 = never purchased).
	PremiumExpiresAt int64 `json:"premiumExpiresAt"`

	// CreditBalance is the remaining prepaid credits.
	CreditBalance uint64 `json:"creditBalance"`
}

// Challenge is the payment-required body returned when access is denied.
// It carries everything a caller needs to sign both the application-level
// payment authorization and the token transfer authorization.
type Challenge struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable reason for the denial.
	Error string `json:"error,omitempty"`

	// Purchase is what this challenge buys.
	Purchase Purchase `json:"purchase"`

	// Amount is the exact price in the token's smallest unit.
	Amount string `json:"amount"`

	// Receiver is the address the token transfer pays.
	Receiver string `json:"receiver"`

	// Token is the EIP-3009 token contract address.
	Token string `json:"token"`

	// ChainID is the EIP-155 chain identifier.
	ChainID int64 `json:"chainId"`

	// Network is the CAIP-2 network identifier.
	Network string `json:"network"`

	// Nonce is the 32-byte payment authorization nonce, 0x-prefixed hex.
	Nonce string `json:"nonce"`

	// Deadline is the unix time after which the payment authorization expires.
	Deadline int64 `json:"deadline"`

	// Memo is the signed memo naming the purchase.
	Memo string `json:"memo"`

	// ProcessorAddress is the verifying contract of the payment authorization.
	ProcessorAddress string `json:"processorAddress"`

	// TokenNonce is the 32-byte nonce for the token transfer authorization.
	TokenNonce string `json:"tokenNonce"`

	// ValidAfter opens the token authorization window.
	ValidAfter int64 `json:"validAfter"`

	// ValidBefore closes the token authorization window (exclusive).
	ValidBefore int64 `json:"validBefore"`

	// Payment is the typed data of the payment authorization.
	Payment apitypes.TypedData `json:"payment"`

	// TokenAuthorization is the typed data of the token transfer authorization.
	TokenAuthorization apitypes.TypedData `json:"tokenAuthorization"`

	// Pricing is the full pricing table.
	Pricing *PricingTable `json:"pricing,omitempty"`
}

// TokenAuthorization is the split token transfer authorization a caller
// returns with a settlement request.
type TokenAuthorization struct {
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// PaymentData echoes the signed fields of a payment authorization.
type PaymentData struct {
	Amount   string `json:"amount"`
	Nonce    string `json:"nonce"`
	Deadline int64  `json:"deadline"`
	Memo     string `json:"memo"`
}

// SettlementRequest is what a caller sends the relay after signing a challenge.
type SettlementRequest struct {
	// Address is the payer.
	Address string `json:"address"`

	// PaymentSignature is the 65-byte payment authorization signature, 0x-prefixed hex.
	PaymentSignature string `json:"paymentSignature"`

	// USDCAuth is the token transfer authorization.
	USDCAuth TokenAuthorization `json:"usdcAuth"`

	// PaymentData is the signed payment authorization.
	PaymentData PaymentData `json:"paymentData"`
}

// SettleResponse is returned by the relay after a settlement attempt.
type SettleResponse struct {
	// Success indicates whether the payment was settled and fulfilled.
	Success bool `json:"success"`

	// ErrorReason provides a short error code if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage provides a human-readable error message if the payment failed.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the settlement transaction hash.
	Transaction string `json:"transaction"`

	// Network is the network where the payment was settled (CAIP-2 format).
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// Purchase is what was bought.
	Purchase *Purchase `json:"purchase,omitempty"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

// ParseAtomic parses a non-negative base-10 integer amount in atomic units.
func ParseAtomic(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
