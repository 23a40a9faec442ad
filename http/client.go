package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
	"github.com/KartikMantri/pay-per-request-prompt-x402/http/internal/helpers"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
	"github.com/KartikMantri/pay-per-request-prompt-x402/validation"
)

// Client is an HTTP client that automatically handles x402 access flows.
// It wraps a standard http.Client and adds identity and payment handling via
// a custom RoundTripper.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a new x402-enabled HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}

	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner sets the wallet that identifies requests and pays challenges.
// Automatic per-call payment is enabled.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return errors.New("signer cannot be nil")
		}
		transport := getOrCreateTransport(c)
		transport.Signer = signer
		transport.AutoPay = true
		return nil
	}
}

// WithAutoPay turns automatic per-call payment on or off.
func WithAutoPay(enabled bool) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).AutoPay = enabled
		return nil
	}
}

// WithSessionToken identifies requests with a bearer token from POST /session.
func WithSessionToken(token string) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).SessionToken = token
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case x402.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport gets the X402Transport or creates one if it doesn't exist.
func getOrCreateTransport(c *Client) *X402Transport {
	transport, ok := c.Transport.(*X402Transport)
	if !ok {
		transport = &X402Transport{Base: c.Transport}
		c.Transport = transport
	}
	return transport
}

func (c *Client) transport() (*X402Transport, error) {
	transport, ok := c.Transport.(*X402Transport)
	if !ok || transport.Signer == nil {
		return nil, errors.New("client has no signer")
	}
	return transport, nil
}

// relayClient talks to the relay at relayURL over the client's base
// transport, so relay calls are not themselves gated.
func (c *Client) relayClient(relayURL string, transport *X402Transport) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  relayURL,
		Client:   &http.Client{Transport: transport.base(), Timeout: c.Timeout},
		Timeouts: x402.DefaultTimeouts,
	}
}

// Buy purchases premium time or a credit pack from the relay at relayURL.
// Per-call purchases are made automatically by the transport.
func (c *Client) Buy(ctx context.Context, relayURL string, purchase x402.Purchase) (*x402.SettleResponse, error) {
	transport, err := c.transport()
	if err != nil {
		return nil, err
	}
	relayClient := c.relayClient(relayURL, transport)

	challenge, err := relayClient.BuildChallenge(ctx, relay.ChallengeRequest{
		Purchase: purchase,
		Payer:    transport.Signer.Address(),
	})
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateChallenge(*challenge); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "invalid challenge", err)
	}
	if challenge.Purchase != purchase {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "challenge is for a different purchase", x402.ErrInvalidChallenge)
	}

	payment, err := transport.Signer.SignChallenge(challenge)
	if err != nil {
		return nil, err
	}
	return relayClient.Settle(ctx, payment)
}

// OpenSession trades a fresh wallet proof for a session token and makes the
// client use it for subsequent requests.
func (c *Client) OpenSession(ctx context.Context, relayURL string) (*facilitator.SessionResponse, error) {
	transport, err := c.transport()
	if err != nil {
		return nil, err
	}
	proof, err := transport.Signer.ProveOwnership("")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proof: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL+"/session", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := transport.base().RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrNetworkError, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp, x402.ErrIdentityRequired)
	}
	var session facilitator.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	transport.SessionToken = session.Token
	return &session, nil
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *x402.SettleResponse {
	settlementHeader := resp.Header.Get(helpers.HeaderPaymentResponse)
	if settlementHeader == "" {
		return nil
	}
	return helpers.ParseSettlement(settlementHeader)
}
