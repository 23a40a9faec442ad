package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/mcp"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
)

// maxRequestBody bounds the JSON-RPC body read before forwarding.
const maxRequestBody = 1 << 20

// X402Handler wraps an MCP HTTP handler and gates paid tool calls.
type X402Handler struct {
	mcpHandler http.Handler
	config     *Config
	verifier   *auth.Verifier
}

type accessContextKey struct{}

// AccessFromContext returns the access result of the paid tool call being
// served, or nil inside free tools.
func AccessFromContext(ctx context.Context) *access.Result {
	res, _ := ctx.Value(accessContextKey{}).(*access.Result)
	return res
}

// NewX402Handler creates a new x402 access handler.
func NewX402Handler(mcpHandler http.Handler, config *Config) (*X402Handler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.PaidTools) > 0 {
		if config.Engine == nil {
			return nil, errors.New("x402 mcp: Config.Engine is required for paid tools")
		}
		if config.Facilitator == nil {
			return nil, errors.New("x402 mcp: Config.Facilitator is required for paid tools")
		}
	}

	verifier := config.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier()
	}

	return &X402Handler{
		mcpHandler: mcpHandler,
		config:     config,
		verifier:   verifier,
	}, nil
}

// toolCall is one gated tools/call request.
type toolCall struct {
	id     interface{}
	tool   string
	access ToolAccessConfig
	meta   map[string]interface{}
	body   []byte
}

// ServeHTTP intercepts tools/call requests for paid tools.
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Only intercept POST requests (JSON-RPC calls)
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var jsonrpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(bodyBytes, &jsonrpcReq); err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}

	if jsonrpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var toolParams struct {
		Name string                 `json:"name"`
		Meta map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(jsonrpcReq.Params, &toolParams); err != nil {
		h.writeError(w, jsonrpcReq.ID, mcp.CodeInvalidParams, "Invalid params", nil)
		return
	}

	accessConfig, gated := h.config.GetAccessConfig(toolParams.Name)
	if !gated {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	call := &toolCall{
		id:     jsonrpcReq.ID,
		tool:   toolParams.Name,
		access: accessConfig,
		meta:   toolParams.Meta,
		body:   bodyBytes,
	}
	h.serveGated(w, r, call, logger.With("requestID", jsonrpcReq.ID, "tool", toolParams.Name))
}

func (h *X402Handler) serveGated(w http.ResponseWriter, r *http.Request, call *toolCall, logger *slog.Logger) {
	ctx := r.Context()

	caller, err := h.identify(call.meta)
	if err != nil {
		if h.config.Verbose {
			logger.InfoContext(ctx, "tool call rejected", "error", err)
		}
		if errors.Is(err, x402.ErrMalformedRequest) {
			h.writeError(w, call.id, mcp.CodeInvalidParams, fmt.Sprintf("Invalid identity: %v", err), nil)
			return
		}
		h.writeError(w, call.id, mcp.CodeIdentityRequired, "Identity required", nil)
		return
	}
	logger = logger.With("caller", caller.Hex())

	callID, err := metaCallID(call.meta)
	if err != nil {
		h.writeError(w, call.id, mcp.CodeInvalidParams, fmt.Sprintf("Invalid call id: %v", err), nil)
		return
	}

	var settleResp *x402.SettleResponse
	payment, err := metaPayment(call.meta)
	if err != nil {
		h.writeError(w, call.id, mcp.CodeInvalidParams, fmt.Sprintf("Invalid payment: %v", err), nil)
		return
	}
	if payment != nil {
		var ok bool
		settleResp, ok = h.settle(ctx, w, call, caller, payment, logger)
		if !ok {
			return
		}
		if p := settleResp.Purchase; p != nil && p.Kind == x402.PurchasePerCall && callID.IsZero() {
			callID, _ = x402.ParseCallID(p.CallID)
		}
	}

	req := access.Request{Caller: caller, CallID: callID, Operation: call.access.Operation}

	if h.config.ChargeOnSuccess {
		res, release, err := h.config.Engine.EvaluateLocked(ctx, req)
		defer release()
		if err != nil {
			h.deny(ctx, w, call, res, err, logger)
			return
		}
		if !res.Allowed() {
			h.deny(ctx, w, call, res, res.Err, logger)
			return
		}
		h.forward(w, r, call, &res, settleResp, logger)
		return
	}

	res, err := h.config.Engine.Authorize(ctx, req)
	if err != nil {
		h.deny(ctx, w, call, res, err, logger)
		return
	}
	h.forward(w, r, call, &res, settleResp, logger)
}

// identify resolves the caller from x402/session or x402/wallet, in that order.
func (h *X402Handler) identify(meta map[string]interface{}) (common.Address, error) {
	if token, _ := meta[mcp.MetaSession].(string); token != "" && h.config.Sessions != nil {
		addr, err := h.config.Sessions.Validate(token)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %w", x402.ErrIdentityRequired, err)
		}
		return addr, nil
	}

	raw, ok := meta[mcp.MetaWallet]
	if !ok {
		return common.Address{}, x402.ErrIdentityRequired
	}
	var proof x402.WalletProof
	if err := remarshal(raw, &proof); err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err)
	}
	addr, err := h.verifier.Verify(proof)
	if err != nil {
		if errors.Is(err, auth.ErrMalformedProof) {
			return common.Address{}, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err)
		}
		return common.Address{}, fmt.Errorf("%w: %w", x402.ErrIdentityRequired, err)
	}
	return addr, nil
}

func metaCallID(meta map[string]interface{}) (x402.CallID, error) {
	raw, ok := meta[mcp.MetaCallID]
	if !ok {
		return x402.CallID{}, nil
	}
	s, ok := raw.(string)
	if !ok {
		return x402.CallID{}, x402.ErrInvalidCallID
	}
	return x402.ParseCallID(s)
}

// metaPayment extracts params._meta["x402/payment"].
func metaPayment(meta map[string]interface{}) (*x402.SettlementRequest, error) {
	raw, ok := meta[mcp.MetaPayment]
	if !ok || raw == nil {
		return nil, nil
	}
	var payment x402.SettlementRequest
	if err := remarshal(raw, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func remarshal(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// settle settles an inline payment made by the caller. On failure it writes
// the error and returns false.
func (h *X402Handler) settle(ctx context.Context, w http.ResponseWriter, call *toolCall, caller common.Address, payment *x402.SettlementRequest, logger *slog.Logger) (*x402.SettleResponse, bool) {
	if !common.IsHexAddress(payment.Address) || common.HexToAddress(payment.Address) != caller {
		h.writeError(w, call.id, mcp.CodeInvalidParams, "Invalid payment: payment address does not match caller", nil)
		return nil, false
	}

	settleCtx, cancel := context.WithTimeout(ctx, x402.DefaultTimeouts.SettleTimeout)
	defer cancel()

	resp, err := h.config.Facilitator.Settle(settleCtx, payment)
	if err != nil {
		if h.config.Verbose {
			logger.ErrorContext(settleCtx, "Settlement failed", "error", err)
		}
		if resp == nil {
			resp = &x402.SettleResponse{
				ErrorReason:  string(x402.CodeOf(err)),
				ErrorMessage: err.Error(),
				Payer:        caller.Hex(),
			}
		}
		code := mcp.CodePaymentRequired
		if x402.CodeOf(err) == x402.ErrCodeMalformedRequest {
			code = mcp.CodeInvalidParams
		}
		h.writeError(w, call.id, code, fmt.Sprintf("Settlement failed: %v", err),
			map[string]interface{}{mcp.MetaPaymentResponse: resp})
		return nil, false
	}
	if h.config.Verbose {
		logger.InfoContext(settleCtx, "Payment settled", "transaction", resp.Transaction)
	}
	return resp, true
}

// deny answers JSON-RPC 402 with a per-call challenge. The caller's call
// identifier is reused unless it was already redeemed.
func (h *X402Handler) deny(ctx context.Context, w http.ResponseWriter, call *toolCall, res access.Result, cause error, logger *slog.Logger) {
	caller := res.Request.Caller

	callID := res.Request.CallID
	if callID.IsZero() || errors.Is(cause, access.ErrAlreadyRedeemed) {
		var err error
		callID, err = x402.RandomCallID(caller)
		if err != nil {
			h.writeError(w, call.id, mcp.CodeInternalError, "Internal error", nil)
			return
		}
	}

	reason := "payment required"
	if res.Err != nil || (cause != nil && !errors.Is(cause, x402.ErrPaymentRequired) && !errors.Is(cause, access.ErrAlreadyRedeemed)) {
		reason = "access check failed"
	}

	challenge, err := h.config.Facilitator.BuildChallenge(ctx, relay.ChallengeRequest{
		Purchase: x402.PerCallPurchase(callID),
		Payer:    caller,
		Reason:   reason,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to build challenge", "error", err)
		h.writeError(w, call.id, mcp.CodePaymentRequired, "Access check failed", map[string]interface{}{
			"code":   x402.ErrCodeAccessCheckFailed,
			"reason": err.Error(),
		})
		return
	}

	if h.config.Verbose {
		logger.InfoContext(ctx, "tool call denied", "reason", reason, "callID", callID.Hex())
	}
	h.writeError(w, call.id, mcp.CodePaymentRequired, "Payment required", mcp.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       reason,
		Tool:        call.tool,
		Resource:    call.access.Resource,
		Challenge:   challenge,
	})
}

// forward executes the mcpHandler and injects the access result and any
// settlement response in result._meta. With ChargeOnSuccess the grant
// happens here, after a successful result.
func (h *X402Handler) forward(w http.ResponseWriter, r *http.Request, call *toolCall, res *access.Result, settleResp *x402.SettleResponse, logger *slog.Logger) {
	ctx := r.Context()
	recorder := &responseRecorder{
		headerMap:  make(http.Header),
		statusCode: http.StatusOK,
	}

	r = r.WithContext(context.WithValue(ctx, accessContextKey{}, res))
	r.Body = io.NopCloser(bytes.NewBuffer(call.body))
	h.mcpHandler.ServeHTTP(recorder, r)

	var jsonrpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   interface{}     `json:"error,omitempty"`
		ID      interface{}     `json:"id"`
	}

	if err := json.Unmarshal(recorder.body.Bytes(), &jsonrpcResp); err != nil {
		if h.config.Verbose {
			logger.ErrorContext(ctx, "Failed to parse MCP response, forwarding as-is", "error", err)
		}
		h.copyRecorded(w, recorder, recorder.body.Bytes())
		return
	}

	if jsonrpcResp.Error != nil || toolFailed(jsonrpcResp.Result) {
		if h.config.ChargeOnSuccess {
			logger.InfoContext(ctx, "tool call failed, skipping charge")
		}
		h.copyRecorded(w, recorder, recorder.body.Bytes())
		return
	}

	if h.config.ChargeOnSuccess {
		if err := h.config.Engine.Grant(ctx, *res); err != nil {
			res.Decision = access.Decision{}
			h.deny(ctx, w, call, *res, err, logger)
			return
		}
	}

	if jsonrpcResp.Result != nil {
		var result map[string]interface{}
		if err := json.Unmarshal(jsonrpcResp.Result, &result); err == nil {
			meta, ok := result["_meta"].(map[string]interface{})
			if !ok {
				meta = make(map[string]interface{})
			}

			info := mcp.AccessInfo{Tier: res.Decision.Tier, Debit: res.Decision.Debit}
			if res.Decision.Tier == x402.TierPerCall {
				info.CallID = res.Request.CallID.Hex()
			}
			meta[mcp.MetaAccess] = info
			if settleResp != nil {
				meta[mcp.MetaPaymentResponse] = settleResp
			}
			result["_meta"] = meta

			if modifiedResult, err := json.Marshal(result); err == nil {
				jsonrpcResp.Result = modifiedResult
			}
		}
	}

	responseBytes, err := json.Marshal(jsonrpcResp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.copyRecorded(w, recorder, responseBytes)
}

// toolFailed reports whether a tools/call result has isError set.
func toolFailed(result json.RawMessage) bool {
	var r struct {
		IsError bool `json:"isError"`
	}
	return json.Unmarshal(result, &r) == nil && r.IsError
}

func (h *X402Handler) copyRecorded(w http.ResponseWriter, recorder *responseRecorder, body []byte) {
	for k, v := range recorder.headerMap {
		w.Header()[k] = v
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(body)
}

// writeError writes a JSON-RPC error response.
func (h *X402Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errorResp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}

	if data != nil {
		errorResp["error"].(map[string]interface{})["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	_ = json.NewEncoder(w).Encode(errorResp)
}

// responseRecorder records HTTP responses for modification.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
