package mcp

import (
	"errors"
	"fmt"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// MCP-specific error types
//
// This package uses root x402 errors where possible and only defines
// MCP-specific errors that don't have equivalents in the root package.

var (
	// ErrNoChallenge indicates a 402 error without a usable challenge in its data
	ErrNoChallenge = errors.New("no payment challenge in 402 error")

	// ErrInvalidRequest indicates that the MCP request is malformed
	ErrInvalidRequest = errors.New("invalid mcp request")

	// ErrToolExecutionFailed indicates that the tool handler returned an error
	ErrToolExecutionFailed = errors.New("tool execution failed")
)

// PaymentError wraps an x402 error with MCP-specific context
type PaymentError struct {
	Err      error
	Tool     string
	Resource string
	Context  string
}

func (e *PaymentError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("payment error for tool %s: %v", e.Tool, e.Err)
	}
	if e.Resource != "" {
		return fmt.Sprintf("payment error for resource %s: %v", e.Resource, e.Err)
	}
	if e.Context != "" {
		return fmt.Sprintf("payment error (%s): %v", e.Context, e.Err)
	}
	return fmt.Sprintf("payment error: %v", e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WrapX402Error wraps an x402 error as a PaymentError
func WrapX402Error(err error, tool string) error {
	if err == nil {
		return nil
	}
	return &PaymentError{
		Err:  err,
		Tool: tool,
	}
}

// IsPaymentError checks if an error is payment-related
func IsPaymentError(err error) bool {
	if err == nil {
		return false
	}
	var paymentErr *PaymentError
	return errors.As(err, &paymentErr) ||
		errors.Is(err, ErrNoChallenge) ||
		errors.Is(err, x402.ErrPaymentRequired) ||
		errors.Is(err, x402.ErrIdentityRequired) ||
		errors.Is(err, x402.ErrSigningFailed) ||
		errors.Is(err, x402.ErrVerificationFailed) ||
		errors.Is(err, x402.ErrSettlementFailed) ||
		errors.Is(err, x402.ErrAmountExceeded) ||
		errors.Is(err, x402.ErrInvalidChallenge)
}
