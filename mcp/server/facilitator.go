package server

import (
	nethttp "net/http"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	x402http "github.com/KartikMantri/pay-per-request-prompt-x402/http"
)

// RemoteFacilitatorOption is a functional option for configuring a remote
// relay client. Use WithAuthorization or WithAuthorizationProvider to set
// authentication.
type RemoteFacilitatorOption func(*x402http.FacilitatorClient)

// WithAuthorization sets a static Authorization header value for the relay.
// Example: "Bearer your-api-key" or "Basic base64-encoded-credentials"
func WithAuthorization(authorization string) RemoteFacilitatorOption {
	return func(c *x402http.FacilitatorClient) {
		c.Authorization = authorization
	}
}

// WithAuthorizationProvider sets a dynamic Authorization header provider for the relay.
// If set, this takes precedence over the static Authorization value.
func WithAuthorizationProvider(provider x402http.AuthorizationProvider) RemoteFacilitatorOption {
	return func(c *x402http.FacilitatorClient) {
		c.AuthorizationProvider = provider
	}
}

// WithOnBeforeSettle sets a hook function to be called before settling a payment.
func WithOnBeforeSettle(f x402http.OnBeforeSettleFunc) RemoteFacilitatorOption {
	return func(c *x402http.FacilitatorClient) {
		c.OnBeforeSettle = f
	}
}

// WithOnAfterSettle sets a hook function to be called after settling a payment.
func WithOnAfterSettle(f x402http.OnAfterSettleFunc) RemoteFacilitatorOption {
	return func(c *x402http.FacilitatorClient) {
		c.OnAfterSettle = f
	}
}

// WithMaxRetries sets how often a request that never reached the relay is retried.
func WithMaxRetries(n int) RemoteFacilitatorOption {
	return func(c *x402http.FacilitatorClient) {
		c.MaxRetries = n
	}
}

// NewRemoteFacilitator creates a client for a relay served on another host.
//
// Example:
//
//	facilitator := NewRemoteFacilitator("https://relay.example.com",
//	    WithAuthorization("Bearer my-api-key"),
//	)
func NewRemoteFacilitator(relayURL string, opts ...RemoteFacilitatorOption) *x402http.FacilitatorClient {
	timeouts := x402.DefaultTimeouts
	client := &x402http.FacilitatorClient{
		BaseURL:    relayURL,
		Client:     &nethttp.Client{Timeout: timeouts.RequestTimeout},
		Timeouts:   timeouts,
		MaxRetries: 2,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}
