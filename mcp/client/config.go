// Package client provides an MCP client transport that identifies tool
// calls and pays x402 per-call challenges.
package client

import (
	"net/http"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Config holds configuration for the MCP client with x402 payment support.
type Config struct {
	// Signer proves wallet ownership and signs challenges.
	Signer x402.Signer

	// SessionToken, when set, identifies tool calls instead of a per-call
	// wallet proof.
	SessionToken string

	// ServerURL is the MCP server endpoint.
	ServerURL string

	// HTTPClient is the HTTP client for requests (optional, uses default if nil).
	HTTPClient *http.Client

	// DisableAutoPay returns 402 errors to the caller instead of paying them.
	DisableAutoPay bool

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// Option is a functional option for configuring the Transport.
type Option func(*Config)

// WithSigner sets the wallet signer.
func WithSigner(signer x402.Signer) Option {
	return func(c *Config) {
		if signer == nil {
			return
		}
		c.Signer = signer
	}
}

// WithSessionToken identifies tool calls with a relay-issued session token.
func WithSessionToken(token string) Option {
	return func(c *Config) {
		c.SessionToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithoutAutoPay returns 402 errors unpaid.
func WithoutAutoPay() Option {
	return func(c *Config) {
		c.DisableAutoPay = true
	}
}

// WithPaymentCallback sets a unified payment callback for all events.
func WithPaymentCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
		c.OnPaymentSuccess = callback
		c.OnPaymentFailure = callback
	}
}

// WithPaymentAttemptCallback sets the payment attempt callback.
func WithPaymentAttemptCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
	}
}

// WithPaymentSuccessCallback sets the payment success callback.
func WithPaymentSuccessCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentSuccess = callback
	}
}

// WithPaymentFailureCallback sets the payment failure callback.
func WithPaymentFailureCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentFailure = callback
	}
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig(serverURL string) *Config {
	return &Config{
		ServerURL: serverURL,
	}
}
