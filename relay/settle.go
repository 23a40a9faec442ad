package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
	"github.com/KartikMantri/pay-per-request-prompt-x402/token"
)

// settlement is a parsed SettlementRequest.
type settlement struct {
	auth      processor.Authorization
	signature []byte
	tokenAuth processor.TokenAuthorization
	purchase  x402.Purchase
}

// parseSettlement validates and decodes a settlement request. It fails with
// x402.ErrMalformedRequest before anything touches the ledger or the chain.
func parseSettlement(req *x402.SettlementRequest) (*settlement, error) {
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", x402.ErrMalformedRequest, fmt.Sprintf(format, args...))
	}
	if req == nil {
		return nil, malformed("empty settlement request")
	}
	if !common.IsHexAddress(req.Address) {
		return nil, malformed("invalid address %q", req.Address)
	}

	sig, err := hexutil.Decode(req.PaymentSignature)
	if err != nil || len(sig) != 65 {
		return nil, malformed("payment signature must be 65 bytes of hex")
	}

	amount, err := x402.ParseAtomic(req.PaymentData.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, malformed("invalid amount %q", req.PaymentData.Amount)
	}
	nonce, err := parseBytes32(req.PaymentData.Nonce)
	if err != nil {
		return nil, malformed("invalid payment nonce")
	}
	if req.PaymentData.Deadline <= 0 {
		return nil, malformed("deadline is required")
	}
	purchase, err := x402.ParseMemo(req.PaymentData.Memo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err)
	}

	ua := req.USDCAuth
	tokenNonce, err := parseBytes32(ua.Nonce)
	if err != nil {
		return nil, malformed("invalid token authorization nonce")
	}
	r, err := parseBytes32(ua.R)
	if err != nil {
		return nil, malformed("invalid token authorization r")
	}
	s, err := parseBytes32(ua.S)
	if err != nil {
		return nil, malformed("invalid token authorization s")
	}
	if ua.V != 27 && ua.V != 28 && ua.V != 0 && ua.V != 1 {
		return nil, malformed("invalid token authorization v %d", ua.V)
	}
	if ua.ValidBefore <= ua.ValidAfter {
		return nil, malformed("empty token authorization window")
	}
	v := ua.V
	if v < 27 {
		v += 27
	}

	return &settlement{
		auth: processor.Authorization{
			From:     common.HexToAddress(req.Address),
			Amount:   amount,
			Nonce:    nonce,
			Deadline: big.NewInt(req.PaymentData.Deadline),
			Memo:     req.PaymentData.Memo,
		},
		signature: sig,
		tokenAuth: processor.TokenAuthorization{
			ValidAfter:  big.NewInt(ua.ValidAfter),
			ValidBefore: big.NewInt(ua.ValidBefore),
			Nonce:       tokenNonce,
			Signature:   eip3009.Signature{V: v, R: r, S: s},
		},
		purchase: purchase,
	}, nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != 32 {
		return out, errors.New("expected 32 bytes of 0x-prefixed hex")
	}
	copy(out[:], raw)
	return out, nil
}

// Settle verifies and settles a signed payment, then records the purchase.
// The response is always non-nil; on failure it carries the error code and
// the returned error is an *x402.PaymentError.
func (r *Relay) Settle(ctx context.Context, req *x402.SettlementRequest) (*x402.SettleResponse, error) {
	start := r.now()
	resp := &x402.SettleResponse{Network: r.cfg.Network}
	if req != nil {
		resp.Payer = req.Address
	}

	s, err := parseSettlement(req)
	if err != nil {
		return r.fail(ctx, resp, nil, start, x402.NewPaymentError(x402.ErrCodeMalformedRequest, "malformed settlement request", err))
	}
	resp.Payer = s.auth.From.Hex()
	resp.Purchase = &s.purchase

	logger := r.logger.With(
		"payer", resp.Payer,
		"purchase", s.auth.Memo,
		"amount", s.auth.Amount.String())

	if perr := r.checkPrice(ctx, s); perr != nil {
		return r.fail(ctx, resp, s, start, perr)
	}
	if perr := r.checkRelayerBalance(ctx); perr != nil {
		return r.fail(ctx, resp, s, start, perr)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.timeouts.VerifyTimeout)
	ok, err := r.settler.Verify(verifyCtx, s.auth, s.signature)
	cancel()
	if err != nil {
		return r.fail(ctx, resp, s, start, x402.NewPaymentError(x402.ErrCodeNetworkError, "payment verification unavailable", fmt.Errorf("%w: %w", x402.ErrNetworkError, err)))
	}
	if !ok {
		return r.fail(ctx, resp, s, start, x402.NewPaymentError(x402.ErrCodePaymentFailed,
			"payment authorization failed verification: bad signature, reused nonce or passed deadline",
			x402.ErrVerificationFailed))
	}

	r.emit(r.OnPaymentAttempt, x402.PaymentEvent{
		Type:     x402.PaymentEventAttempt,
		Purchase: s.purchase,
		Amount:   s.auth.Amount.String(),
		Payer:    resp.Payer,
	})

	settleCtx, cancel := context.WithTimeout(ctx, r.timeouts.SettleTimeout)
	receipt, err := r.settler.Settle(settleCtx, s.auth, s.signature, s.tokenAuth)
	cancel()
	if err != nil {
		return r.fail(ctx, resp, s, start, classifySettleError(err))
	}
	resp.Transaction = receipt.TxHash.Hex()
	logger.InfoContext(ctx, "payment settled", "transaction", resp.Transaction, "paymentId", receipt.PaymentID.Hex())

	// The payment is final; recording it must not be abandoned with the request.
	fulfilCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeouts.SettleTimeout)
	err = r.fulfil(fulfilCtx, s)
	cancel()
	if err != nil {
		logger.ErrorContext(ctx, "settled payment not recorded on ledger",
			"transaction", resp.Transaction,
			"error", err)
		return r.fail(ctx, resp, s, start, x402.NewPaymentError(x402.ErrCodeFulfillmentFailed,
			"payment settled but the purchase was not recorded",
			fmt.Errorf("%w: %w", x402.ErrFulfillmentFailed, err)).
			WithDetails("transaction", resp.Transaction))
	}

	resp.Success = true
	duration := r.now().Sub(start)
	r.metrics.ObserveSettlement(string(s.purchase.Kind), "success", duration)
	r.emit(r.OnPaymentSuccess, x402.PaymentEvent{
		Type:        x402.PaymentEventSuccess,
		Purchase:    s.purchase,
		Amount:      s.auth.Amount.String(),
		Payer:       resp.Payer,
		Transaction: resp.Transaction,
		Duration:    duration,
	})
	logger.InfoContext(ctx, "purchase fulfilled", "transaction", resp.Transaction, "duration", duration)
	return resp, nil
}

// checkPrice requires the exact price of the purchase named in the memo
// and, for per-call purchases, an identifier that was not paid already.
func (r *Relay) checkPrice(ctx context.Context, s *settlement) *x402.PaymentError {
	pricing, err := r.ledger.Pricing(ctx)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeAccessCheckFailed, "pricing unavailable", fmt.Errorf("%w: %w", x402.ErrLedgerUnavailable, err))
	}
	price, err := pricing.PriceOf(s.purchase)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeMalformedRequest, "purchase cannot be priced", fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err))
	}
	if price.Cmp(s.auth.Amount) != 0 {
		return x402.NewPaymentError(x402.ErrCodePaymentFailed, "amount does not match price", ledger.ErrIncorrectAmount).
			WithDetails("expected", price.String()).
			WithDetails("actual", s.auth.Amount.String())
	}

	if s.purchase.Kind == x402.PurchasePerCall {
		id, err := x402.ParseCallID(s.purchase.CallID)
		if err != nil {
			return x402.NewPaymentError(x402.ErrCodeMalformedRequest, "invalid call identifier", fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err))
		}
		used, err := r.ledger.IsCallIDUsed(ctx, id)
		if err != nil {
			return x402.NewPaymentError(x402.ErrCodeAccessCheckFailed, "ledger unavailable", fmt.Errorf("%w: %w", x402.ErrLedgerUnavailable, err))
		}
		if used {
			return x402.NewPaymentError(x402.ErrCodePaymentFailed, "call identifier already paid", ledger.ErrAlreadyUsed).
				WithDetails("callId", id.Hex())
		}
	}
	return nil
}

func (r *Relay) checkRelayerBalance(ctx context.Context) *x402.PaymentError {
	balance, err := r.balance.BalanceAt(ctx, r.cfg.Relayer)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeNetworkError, "relayer balance unavailable", fmt.Errorf("%w: %w", x402.ErrNetworkError, err))
	}
	wei, _ := new(big.Float).SetInt(balance).Float64()
	r.metrics.SetRelayerBalance(wei)
	if balance.Cmp(r.minBalance) < 0 {
		r.logger.ErrorContext(ctx, "relayer balance below reserve",
			"relayer", r.cfg.Relayer.Hex(),
			"balance", balance.String(),
			"reserve", r.minBalance.String())
		return x402.NewPaymentError(x402.ErrCodeInsufficientResource, "relayer cannot pay gas", x402.ErrInsufficientRelayerBalance).
			WithDetails("balance", balance.String()).
			WithDetails("reserve", r.minBalance.String())
	}
	return nil
}

// fulfil records the purchase on the ledger as the operator.
func (r *Relay) fulfil(ctx context.Context, s *settlement) error {
	switch s.purchase.Kind {
	case x402.PurchasePerCall:
		id, err := x402.ParseCallID(s.purchase.CallID)
		if err != nil {
			return err
		}
		return r.ledger.RecordPerCall(ctx, s.auth.From, id, s.auth.Amount)
	case x402.PurchasePremium:
		return r.ledger.RecordTierPurchase(ctx, s.auth.From, s.purchase.Days, s.auth.Amount)
	case x402.PurchaseCredits:
		return r.ledger.RecordCreditPurchase(ctx, s.auth.From, s.purchase.Packs, s.auth.Amount)
	}
	return fmt.Errorf("%w: %q", x402.ErrInvalidPurchase, s.purchase.Kind)
}

func classifySettleError(err error) *x402.PaymentError {
	wrapped := fmt.Errorf("%w: %w", x402.ErrSettlementFailed, err)
	switch {
	case errors.Is(err, token.ErrInsufficientBalance):
		return x402.NewPaymentError(x402.ErrCodeInsufficientResource, "payer token balance too low", wrapped)
	case errors.Is(err, processor.ErrInvalidSignature), errors.Is(err, processor.ErrTokenTransferFailed):
		return x402.NewPaymentError(x402.ErrCodePaymentFailed, "settlement reverted", wrapped)
	case errors.Is(err, context.DeadlineExceeded):
		return x402.NewPaymentError(x402.ErrCodeNetworkError, "settlement not mined in time", wrapped)
	default:
		return x402.NewPaymentError(x402.ErrCodeNetworkError, "settlement failed", wrapped)
	}
}

func (r *Relay) fail(ctx context.Context, resp *x402.SettleResponse, s *settlement, start time.Time, perr *x402.PaymentError) (*x402.SettleResponse, error) {
	resp.Success = false
	resp.ErrorReason = string(perr.Code)
	resp.ErrorMessage = perr.Message

	kind := "unknown"
	event := x402.PaymentEvent{
		Type:        x402.PaymentEventFailure,
		Payer:       resp.Payer,
		Transaction: resp.Transaction,
		Error:       perr,
		Duration:    r.now().Sub(start),
	}
	if s != nil {
		kind = string(s.purchase.Kind)
		event.Purchase = s.purchase
		event.Amount = s.auth.Amount.String()
	}
	r.metrics.ObserveSettlement(kind, string(perr.Code), event.Duration)
	r.emit(r.OnPaymentFailure, event)

	r.logger.WarnContext(ctx, "settlement failed",
		"payer", resp.Payer,
		"code", perr.Code,
		"error", perr)
	return resp, perr
}
