package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/mcp"
	"github.com/KartikMantri/pay-per-request-prompt-x402/validation"
)

// Transport wraps an MCP transport and adds x402 identity and payment handling.
type Transport struct {
	baseTransport transport.Interface
	config        *Config
}

// NewTransport creates a new x402-enabled MCP transport over streamable HTTP.
func NewTransport(serverURL string, opts ...Option) (*Transport, error) {
	config := DefaultConfig(serverURL)
	for _, opt := range opts {
		opt(config)
	}

	var httpOpts []transport.StreamableHTTPCOption
	if config.HTTPClient != nil {
		httpOpts = append(httpOpts, transport.WithHTTPBasicClient(config.HTTPClient))
	}
	baseTransport, err := transport.NewStreamableHTTP(serverURL, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create base transport: %w", err)
	}

	return &Transport{
		baseTransport: baseTransport,
		config:        config,
	}, nil
}

// NewTransportWithBase wraps an existing MCP transport.
func NewTransportWithBase(base transport.Interface, opts ...Option) *Transport {
	config := DefaultConfig("")
	for _, opt := range opts {
		opt(config)
	}
	return &Transport{baseTransport: base, config: config}
}

// Start starts the MCP connection.
func (t *Transport) Start(ctx context.Context) error {
	return t.baseTransport.Start(ctx)
}

// SendRequest implements transport.Interface. Tool calls are identified
// and 402 errors are answered with a signed payment.
func (t *Transport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if req.Method != "tools/call" {
		return t.baseTransport.SendRequest(ctx, req)
	}

	identified, err := t.injectMeta(req, nil)
	if err != nil {
		return nil, mcp.WrapX402Error(err, toolName(req))
	}

	resp, err := t.baseTransport.SendRequest(ctx, identified)
	if err != nil {
		return nil, err
	}

	if resp.Error == nil || resp.Error.Code != mcp.CodePaymentRequired || t.config.DisableAutoPay || t.config.Signer == nil {
		return resp, nil
	}

	if resp.Error.Data == nil {
		return resp, mcp.ErrNoChallenge
	}
	data, err := json.Marshal(resp.Error.Data)
	if err != nil {
		return resp, fmt.Errorf("failed to marshal error data: %w", err)
	}
	challenge, err := extractChallenge(data)
	if err != nil {
		return resp, err
	}

	return t.payAndRetry(ctx, req, challenge)
}

// extractChallenge extracts the per-call challenge from 402 error data.
func extractChallenge(data json.RawMessage) (*x402.Challenge, error) {
	if len(data) == 0 {
		return nil, mcp.ErrNoChallenge
	}
	var required mcp.PaymentRequired
	if err := json.Unmarshal(data, &required); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment required data: %w", err)
	}
	if required.X402Version != x402.X402Version {
		return nil, fmt.Errorf("unsupported x402 version: %d (expected %d)", required.X402Version, x402.X402Version)
	}
	if required.Challenge == nil {
		return nil, mcp.ErrNoChallenge
	}
	if err := validation.ValidateChallenge(*required.Challenge); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "invalid challenge", err)
	}
	return required.Challenge, nil
}

// payAndRetry signs the challenge and retries req with the payment and its
// call identifier in _meta.
func (t *Transport) payAndRetry(ctx context.Context, req transport.JSONRPCRequest, challenge *x402.Challenge) (*transport.JSONRPCResponse, error) {
	startTime := time.Now()
	tool := toolName(req)
	event := x402.PaymentEvent{
		Method:   "MCP",
		Tool:     tool,
		Purchase: challenge.Purchase,
		Amount:   challenge.Amount,
		Network:  challenge.Network,
		Payer:    t.config.Signer.Address().Hex(),
	}
	fail := func(err error) {
		if t.config.OnPaymentFailure != nil {
			failure := event
			failure.Type = x402.PaymentEventFailure
			failure.Timestamp = time.Now()
			failure.Error = err
			failure.Duration = time.Since(startTime)
			t.config.OnPaymentFailure(failure)
		}
	}

	if t.config.OnPaymentAttempt != nil {
		attempt := event
		attempt.Type = x402.PaymentEventAttempt
		attempt.Timestamp = startTime
		t.config.OnPaymentAttempt(attempt)
	}

	payment, err := t.config.Signer.SignChallenge(challenge)
	if err != nil {
		fail(err)
		return nil, mcp.WrapX402Error(err, tool)
	}

	modifiedReq, err := t.injectMeta(req, map[string]interface{}{
		mcp.MetaPayment: payment,
		mcp.MetaCallID:  challenge.Purchase.CallID,
	})
	if err != nil {
		fail(err)
		return nil, fmt.Errorf("failed to inject payment: %w", err)
	}

	resp, err := t.baseTransport.SendRequest(ctx, modifiedReq)
	if err != nil {
		fail(err)
		return resp, err
	}

	if resp.Error != nil {
		fail(fmt.Errorf("%w: %s", x402.ErrSettlementFailed, resp.Error.Message))
		return resp, nil
	}

	settlement := paymentResponse(resp.Result)
	if settlement == nil || !settlement.Success {
		fail(fmt.Errorf("%w: no settlement in result", x402.ErrSettlementFailed))
		return resp, nil
	}

	if t.config.OnPaymentSuccess != nil {
		success := event
		success.Type = x402.PaymentEventSuccess
		success.Timestamp = time.Now()
		success.Transaction = settlement.Transaction
		success.Duration = time.Since(startTime)
		t.config.OnPaymentSuccess(success)
	}
	return resp, nil
}

// injectMeta adds identity and the extra fields to params._meta.
func (t *Transport) injectMeta(req transport.JSONRPCRequest, extra map[string]interface{}) (transport.JSONRPCRequest, error) {
	params, ok := req.Params.(map[string]interface{})
	if ok {
		copied := make(map[string]interface{}, len(params))
		for k, v := range params {
			copied[k] = v
		}
		params = copied
	} else {
		params = make(map[string]interface{})
		if req.Params != nil {
			data, err := json.Marshal(req.Params)
			if err != nil {
				return req, fmt.Errorf("failed to marshal params: %w", err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return req, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
	}

	meta := make(map[string]interface{})
	if existing, ok := params["_meta"].(map[string]interface{}); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}

	_, hasWallet := meta[mcp.MetaWallet]
	_, hasSession := meta[mcp.MetaSession]
	switch {
	case hasWallet || hasSession:
	case t.config.SessionToken != "":
		meta[mcp.MetaSession] = t.config.SessionToken
	case t.config.Signer != nil:
		proof, err := t.config.Signer.ProveOwnership("")
		if err != nil {
			return req, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to prove wallet ownership", err)
		}
		meta[mcp.MetaWallet] = proof
	}
	for k, v := range extra {
		meta[k] = v
	}
	params["_meta"] = meta

	modifiedReq := req
	modifiedReq.Params = params
	return modifiedReq, nil
}

func toolName(req transport.JSONRPCRequest) string {
	if params, ok := req.Params.(map[string]interface{}); ok {
		name, _ := params["name"].(string)
		return name
	}
	if params, ok := req.Params.(mcpproto.CallToolParams); ok {
		return params.Name
	}
	return ""
}

// paymentResponse reads result._meta["x402/payment-response"].
func paymentResponse(result json.RawMessage) *x402.SettleResponse {
	var r struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return nil
	}
	raw, ok := r.Meta[mcp.MetaPaymentResponse]
	if !ok {
		return nil
	}
	var settlement x402.SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil
	}
	return &settlement
}

// SendNotification sends a notification to the server.
func (t *Transport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return t.baseTransport.SendNotification(ctx, notif)
}

// SetNotificationHandler sets the notification handler.
func (t *Transport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {
	t.baseTransport.SetNotificationHandler(handler)
}

// Close closes the transport.
func (t *Transport) Close() error {
	return t.baseTransport.Close()
}

// GetSessionId returns the session ID.
func (t *Transport) GetSessionId() string {
	return t.baseTransport.GetSessionId()
}
