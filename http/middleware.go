package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
	"github.com/KartikMantri/pay-per-request-prompt-x402/http/internal/helpers"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
)

// Config holds the configuration for the access middleware.
type Config struct {
	// Engine decides access. Required.
	Engine *access.Engine

	// Facilitator builds challenges for denied callers and settles inline
	// payments sent in the X-PAYMENT header. Required.
	Facilitator facilitator.Interface

	// Verifier checks X-Wallet-* proofs. Defaults to auth.NewVerifier().
	Verifier *auth.Verifier

	// Sessions validates bearer tokens issued by POST /session. Optional.
	Sessions *auth.SessionIssuer

	// Operation names the gated operation for credit cost lookup.
	Operation string

	// OperationFunc derives the operation from the request. It takes
	// precedence over Operation.
	OperationFunc func(*http.Request) string

	// ChargeOnSuccess defers the debit until the handler commits a
	// non-error response. Without it the debit happens before the handler
	// runs and is never refunded.
	ChargeOnSuccess bool

	Logger *slog.Logger
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// AccessContextKey is the context key for storing the access result.
const AccessContextKey = contextKey("x402_access")

// NewAccessMiddleware creates the access middleware. It returns a middleware
// function that wraps HTTP handlers with access gating.
//
// Each request must identify its caller with a wallet proof or a session
// token. An inline payment in X-PAYMENT is settled first. The engine then
// resolves premium, credits or a paid per-call identifier; callers with
// none of them get 402 with a per-call challenge.
func NewAccessMiddleware(config Config) func(http.Handler) http.Handler {
	gate := newAccessGate(config)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate.serve(w, r, next)
		})
	}
}

// accessGate holds the middleware's resolved configuration. The gin adapter
// shares it.
type accessGate struct {
	cfg      Config
	verifier *auth.Verifier
	logger   *slog.Logger
}

func newAccessGate(config Config) *accessGate {
	if config.Engine == nil {
		panic("x402 http: Config.Engine is required")
	}
	if config.Facilitator == nil {
		panic("x402 http: Config.Facilitator is required")
	}
	g := &accessGate{cfg: config, verifier: config.Verifier, logger: config.Logger}
	if g.verifier == nil {
		g.verifier = auth.NewVerifier()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

func (g *accessGate) operation(r *http.Request) string {
	if g.cfg.OperationFunc != nil {
		return g.cfg.OperationFunc(r)
	}
	return g.cfg.Operation
}

func (g *accessGate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	logger := g.logger.With("path", r.URL.Path)

	caller, err := g.identify(r)
	if err != nil {
		logger.Info("request rejected", "error", err)
		g.sendError(w, err)
		return
	}
	logger = logger.With("caller", caller.Hex())

	callID, err := helpers.ParseCallID(r)
	if err != nil {
		g.sendError(w, err)
		return
	}

	payment, err := helpers.ParsePaymentHeader(r)
	if err != nil {
		logger.Warn("invalid payment header", "error", err)
		g.sendError(w, err)
		return
	}
	if payment != nil {
		settled, ok := g.settleInline(w, r, caller, payment)
		if !ok {
			return
		}
		if settled.Purchase != nil && settled.Purchase.Kind == x402.PurchasePerCall && callID.IsZero() {
			callID, _ = x402.ParseCallID(settled.Purchase.CallID)
		}
	}

	req := access.Request{Caller: caller, CallID: callID, Operation: g.operation(r)}

	if g.cfg.ChargeOnSuccess {
		res, release, err := g.cfg.Engine.EvaluateLocked(ctx, req)
		defer release()
		if err != nil {
			g.deny(w, r, res, err)
			return
		}
		if !res.Allowed() {
			g.deny(w, r, res, res.Err)
			return
		}
		r = r.WithContext(context.WithValue(ctx, AccessContextKey, &res))
		interceptor := &settlementInterceptor{
			w: w,
			settleFunc: func() bool {
				if err := g.cfg.Engine.Grant(ctx, res); err != nil {
					g.deny(w, r, res, err)
					return false
				}
				return true
			},
			onFailure: func(statusCode int) {
				logger.Warn("handler returned non-success, skipping charge", "status", statusCode)
			},
		}
		next.ServeHTTP(interceptor, r)
		// A handler that returns without writing still sends 200.
		if !interceptor.committed {
			interceptor.WriteHeader(http.StatusOK)
		}
		return
	}

	res, err := g.cfg.Engine.Authorize(ctx, req)
	if err != nil {
		g.deny(w, r, res, err)
		return
	}
	next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, AccessContextKey, &res)))
}

// identify resolves the caller from a bearer session token or a wallet
// proof, in that order.
func (g *accessGate) identify(r *http.Request) (common.Address, error) {
	if token := helpers.BearerToken(r); token != "" && g.cfg.Sessions != nil {
		addr, err := g.cfg.Sessions.Validate(token)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %w", x402.ErrIdentityRequired, err)
		}
		return addr, nil
	}

	proof, err := helpers.ParseWalletProof(r)
	if err != nil {
		return common.Address{}, err
	}
	if proof == nil {
		return common.Address{}, x402.ErrIdentityRequired
	}
	addr, err := g.verifier.Verify(*proof)
	if err != nil {
		if errors.Is(err, auth.ErrMalformedProof) {
			return common.Address{}, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err)
		}
		return common.Address{}, fmt.Errorf("%w: %w", x402.ErrIdentityRequired, err)
	}
	return addr, nil
}

// settleInline settles an X-PAYMENT payment made by the caller. On failure
// it writes the response and returns false.
func (g *accessGate) settleInline(w http.ResponseWriter, r *http.Request, caller common.Address, payment *x402.SettlementRequest) (*x402.SettleResponse, bool) {
	logger := g.logger.With("caller", caller.Hex(), "memo", payment.PaymentData.Memo)

	if !common.IsHexAddress(payment.Address) || common.HexToAddress(payment.Address) != caller {
		g.sendError(w, x402.NewPaymentError(x402.ErrCodeMalformedRequest,
			"payment address does not match caller", x402.ErrMalformedRequest))
		return nil, false
	}

	logger.Info("settling inline payment")
	resp, err := g.cfg.Facilitator.Settle(r.Context(), payment)
	if resp != nil {
		if herr := helpers.AddPaymentResponseHeader(w, resp); herr != nil {
			logger.Warn("failed to add payment response header", "error", herr)
		}
	}
	if err != nil {
		logger.Warn("inline settlement failed", "error", err)
		g.sendError(w, err)
		return nil, false
	}
	logger.Info("inline payment settled", "transaction", resp.Transaction)
	return resp, true
}

// deny answers 402 with a per-call challenge. The caller's call identifier
// is reused unless it was already redeemed.
func (g *accessGate) deny(w http.ResponseWriter, r *http.Request, res access.Result, cause error) {
	ctx := r.Context()
	caller := res.Request.Caller

	callID := res.Request.CallID
	if callID.IsZero() || errors.Is(cause, access.ErrAlreadyRedeemed) {
		var err error
		callID, err = x402.RandomCallID(caller)
		if err != nil {
			g.sendError(w, err)
			return
		}
	}

	reason := "payment required"
	if res.Err != nil || (cause != nil && !errors.Is(cause, x402.ErrPaymentRequired) && !errors.Is(cause, access.ErrAlreadyRedeemed)) {
		reason = "access check failed"
	}

	challenge, err := g.cfg.Facilitator.BuildChallenge(ctx, relay.ChallengeRequest{
		Purchase:  x402.PerCallPurchase(callID),
		RequestID: r.Header.Get(helpers.HeaderRequestID),
		Payer:     caller,
		Reason:    reason,
	})
	if err != nil {
		g.logger.Error("failed to build challenge", "caller", caller.Hex(), "error", err)
		g.sendError(w, x402.NewPaymentError(x402.ErrCodeAccessCheckFailed, "access denied", x402.ErrPaymentRequired).
			WithDetails("reason", err.Error()))
		return
	}

	w.Header().Set(helpers.HeaderCallID, callID.Hex())
	if err := helpers.SendPaymentRequired(w, challenge); err != nil {
		g.logger.Error("failed to send payment required response", "error", err)
	}
}

func (g *accessGate) sendError(w http.ResponseWriter, err error) {
	if errors.Is(err, x402.ErrIdentityRequired) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="x402"`)
	}
	if werr := helpers.SendError(w, err); werr != nil {
		g.logger.Error("failed to send error response", "error", werr)
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs the charge
	settleFunc func() bool
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// The charge failed and the 402 is already written; discard the
	// handler's payload.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through uncharged.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Charge before an upgrade hands the connection away.
		if !i.committed {
			i.committed = true
			if !i.settleFunc() {
				i.hijacked = true
				return nil, nil, errors.New("access charge failed")
			}
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetAccessFromContext extracts the access result from the request context.
// Returns nil if the request did not pass the access middleware.
func GetAccessFromContext(ctx context.Context) *access.Result {
	value := ctx.Value(AccessContextKey)
	if value == nil {
		return nil
	}
	res, ok := value.(*access.Result)
	if !ok {
		return nil
	}
	return res
}
