package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a settlement is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a settlement succeeded and was fulfilled.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a settlement failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event, emitted by the relay on
// the server side and by the paying client transports.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport method ("HTTP", "MCP" or "RELAY").
	Method string

	// Tool is the MCP tool being accessed (MCP only).
	Tool string

	// URL is the HTTP URL being accessed (HTTP only).
	URL string

	// Purchase is what the payment buys.
	Purchase Purchase

	// Amount is the payment amount in atomic units.
	Amount string

	// Network is the blockchain network identifier (CAIP-2 format).
	Network string

	// Payer is the address that made the payment.
	Payer string

	// Transaction is the settlement transaction hash (available on success).
	Transaction string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so they
// should be fast to avoid blocking the payment flow.
type PaymentCallback func(PaymentEvent)
