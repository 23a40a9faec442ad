// Package http provides HTTP client and server implementations for x402
// access control: the access middleware, the relay endpoints, a client for a
// remote relay, and a paying client transport.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
	"github.com/KartikMantri/pay-per-request-prompt-x402/retry"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// Thread-safety: The provider function is called on each HTTP request, including
// during retry attempts. If your provider accesses shared state or performs I/O
// (e.g., token refresh), ensure it is safe for concurrent use. The FacilitatorClient
// does not serialize calls to the provider.
type AuthorizationProvider func(*http.Request) string

// OnBeforeSettleFunc is a callback invoked before a settle operation.
// Return an error to abort the operation.
type OnBeforeSettleFunc func(context.Context, *x402.SettlementRequest) error

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterSettleFunc func(context.Context, *x402.SettlementRequest, *x402.SettleResponse, error)

// FacilitatorClient is a client for a relay served by Handlers on another host.
type FacilitatorClient struct {
	// BaseURL is the relay service URL (e.g., "https://relay.example.com").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for requests that
	// never reached the relay (default: 0). Set to 0 to disable retries.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g., "Bearer token" or "Basic base64").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider is a function that returns an Authorization header value.
	// If set, this takes precedence over the static Authorization field.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeSettleFunc

	// OnAfterSettle is called after the Settle operation completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

// Verify that FacilitatorClient implements facilitator.Interface.
var _ facilitator.Interface = (*FacilitatorClient)(nil)

// httpClient returns the HTTP client to use, defaulting to http.DefaultClient.
func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header on the request if configured.
func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// retryConfig returns the retry configuration based on client settings.
func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1, // +1 because MaxRetries is retry count, not attempt count
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// do sends one request under the retry schedule. Only transport failures
// are retried; any response from the relay is final.
func (c *FacilitatorClient) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*http.Response, error) {
	return retry.WithRetry(ctx, c.retryConfig(), isRelayUnavailableError, func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		c.setAuthorizationHeader(httpReq)

		client := c.httpClient()
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 && client.Timeout == 0 {
			copied := *client
			copied.Timeout = timeout
			client = &copied
		}

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrNetworkError, err)
		}
		return httpResp, nil
	})
}

// Pricing fetches the relay's pricing table.
func (c *FacilitatorClient) Pricing(ctx context.Context) (x402.PricingTable, error) {
	resp, err := c.do(ctx, http.MethodGet, "/pricing", nil, c.Timeouts.RequestTimeout)
	if err != nil {
		return x402.PricingTable{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return x402.PricingTable{}, parseErrorResponse(resp, x402.ErrLedgerUnavailable)
	}
	var pricing x402.PricingTable
	if err := json.NewDecoder(resp.Body).Decode(&pricing); err != nil {
		return x402.PricingTable{}, fmt.Errorf("failed to decode pricing: %w", err)
	}
	return pricing, nil
}

// BuildChallenge asks the relay for a challenge.
func (c *FacilitatorClient) BuildChallenge(ctx context.Context, req relay.ChallengeRequest) (*x402.Challenge, error) {
	body := facilitator.ChallengeRequest{
		Purchase:  req.Purchase,
		RequestID: req.RequestID,
	}
	if req.Payer != (common.Address{}) {
		body.Payer = req.Payer.Hex()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/challenge", data, c.Timeouts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp, x402.ErrInvalidChallenge)
	}
	var challenge x402.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &challenge, nil
}

// Settle posts a signed payment to the relay.
func (c *FacilitatorClient) Settle(ctx context.Context, req *x402.SettlementRequest) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, resultErr := c.settle(ctx, req)

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, req, resp, resultErr)
	}

	return resp, resultErr
}

func (c *FacilitatorClient) settle(ctx context.Context, req *x402.SettlementRequest) (*x402.SettleResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := c.do(ctx, http.MethodPost, "/settle", data, c.Timeouts.SettleTimeout)
	if err != nil {
		return &x402.SettleResponse{Success: false, ErrorReason: string(x402.ErrCodeNetworkError)},
			x402.NewPaymentError(x402.ErrCodeNetworkError, "relay unreachable", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, _ := io.ReadAll(httpResp.Body)
	var settleResp x402.SettleResponse
	if err := json.Unmarshal(bodyBytes, &settleResp); err != nil {
		return nil, parseErrorResponse(&http.Response{StatusCode: httpResp.StatusCode, Body: io.NopCloser(bytes.NewReader(bodyBytes))}, x402.ErrSettlementFailed)
	}

	if httpResp.StatusCode != http.StatusOK || !settleResp.Success {
		code := x402.ErrorCode(settleResp.ErrorReason)
		if code == "" {
			code = x402.ErrCodeNetworkError
		}
		return &settleResp, x402.NewPaymentError(code, settleResp.ErrorMessage, x402.ErrSettlementFailed).
			WithDetails("status", httpResp.StatusCode)
	}
	return &settleResp, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	// Try to parse as JSON with error and code fields
	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		reason, _ := errBody["error"].(string)
		if code, ok := errBody["code"].(string); ok && code != "" {
			return x402.NewPaymentError(x402.ErrorCode(code), reason, baseErr).WithDetails("status", resp.StatusCode)
		}
		if reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	// If we couldn't parse as JSON, include raw body (truncated)
	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// isRelayUnavailableError checks if an error is a transport failure.
// It uses errors.Is to properly detect wrapped errors.
func isRelayUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrNetworkError)
}
