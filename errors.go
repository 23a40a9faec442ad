package x402

import "errors"

// Sentinel errors shared across the access engine.
var (
	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidPricing indicates a pricing table with missing or zero prices.
	ErrInvalidPricing = errors.New("x402: invalid pricing table")

	// ErrInvalidDuration indicates a premium duration other than the configured options.
	ErrInvalidDuration = errors.New("x402: invalid premium duration")

	// ErrInvalidPackCount indicates a credit purchase of zero packs.
	ErrInvalidPackCount = errors.New("x402: invalid credit pack count")

	// ErrInvalidPurchase indicates a memo that does not name a known purchase.
	ErrInvalidPurchase = errors.New("x402: invalid purchase")

	// ErrInvalidCallID indicates a call identifier that is not 32 bytes of hex.
	ErrInvalidCallID = errors.New("x402: invalid call identifier")

	// ErrMalformedRequest indicates missing or invalid request fields.
	ErrMalformedRequest = errors.New("x402: malformed request")

	// ErrAmountExceeded indicates the payment amount exceeds the client's per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrInvalidChallenge indicates a challenge from the server that fails validation.
	ErrInvalidChallenge = errors.New("x402: invalid payment challenge")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrNetworkError indicates a network error occurred during payment.
	ErrNetworkError = errors.New("x402: network error during payment")

	// ErrVerificationFailed indicates a payment authorization failed verification.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates payment settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrFulfillmentFailed indicates a settled payment could not be recorded on the ledger.
	ErrFulfillmentFailed = errors.New("x402: payment fulfillment failed")

	// ErrInsufficientRelayerBalance indicates the relayer is below its gas floor.
	ErrInsufficientRelayerBalance = errors.New("x402: relayer balance below reserve")

	// ErrLedgerUnavailable indicates a transient failure reading or writing the ledger.
	ErrLedgerUnavailable = errors.New("x402: ledger unavailable")

	// ErrIdentityRequired indicates a request with no verifiable caller identity.
	ErrIdentityRequired = errors.New("x402: caller identity required")

	// ErrPaymentRequired indicates access was denied and a payment is needed.
	ErrPaymentRequired = errors.New("x402: payment required")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeMalformedRequest indicates missing or invalid input. Never retried.
	ErrCodeMalformedRequest ErrorCode = "MALFORMED_REQUEST"

	// ErrCodePaymentFailed indicates a bad signature, expired deadline or
	// reused nonce. Safe to retry with a fresh challenge.
	ErrCodePaymentFailed ErrorCode = "PAYMENT_FAILED"

	// ErrCodeInsufficientResource indicates the relayer or payer lacks funds.
	// Surfaced so operators can top up; not retried automatically.
	ErrCodeInsufficientResource ErrorCode = "INSUFFICIENT_RESOURCE"

	// ErrCodeAccessCheckFailed indicates a transient ledger failure after retries.
	ErrCodeAccessCheckFailed ErrorCode = "ACCESS_CHECK_FAILED"

	// ErrCodeFulfillmentFailed indicates a settled payment the ledger did not record.
	ErrCodeFulfillmentFailed ErrorCode = "FULFILLMENT_FAILED"

	// ErrCodeAmountExceeded indicates payment exceeds client limits.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInvalidChallenge indicates an invalid challenge from the server.
	ErrCodeInvalidChallenge ErrorCode = "INVALID_CHALLENGE"

	// ErrCodeSigningFailed indicates signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
