package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
)

// ChallengeRequest asks for a challenge for one purchase.
type ChallengeRequest struct {
	Purchase x402.Purchase

	// RequestID is a caller-chosen identifier. Requests with the same
	// identifier and purchase get the same nonce. Empty means random.
	RequestID string

	// Payer fills the "from" field of the typed data when known.
	Payer common.Address

	// Reason is shown to the caller.
	Reason string
}

// BuildChallenge prices the purchase and returns everything the caller
// must sign.
func (r *Relay) BuildChallenge(ctx context.Context, req ChallengeRequest) (*x402.Challenge, error) {
	pricing, err := r.ledger.Pricing(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrLedgerUnavailable, err)
	}
	price, err := pricing.PriceOf(req.Purchase)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedRequest, "cannot price purchase", err)
	}
	memo := req.Purchase.Memo()
	if _, err := x402.ParseMemo(memo); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedRequest, "invalid purchase", err)
	}

	nonce, err := r.paymentNonce(req.RequestID, memo)
	if err != nil {
		return nil, err
	}
	tokenNonce := eip3009.DeriveNonce(nonce[:])

	now := r.now().Unix()
	deadline := now + int64(r.ttl.Seconds())
	validAfter := now - tokenValidAfterSlack

	auth := processor.Authorization{
		From:     req.Payer,
		Amount:   price,
		Nonce:    nonce,
		Deadline: big.NewInt(deadline),
		Memo:     memo,
	}
	transfer := &eip3009.Authorization{
		From:        req.Payer,
		To:          r.cfg.Receiver,
		Value:       price,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(deadline),
		Nonce:       tokenNonce,
	}

	chainID, err := x402.GetChainID(r.cfg.Network)
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "payment required"
	}

	return &x402.Challenge{
		X402Version:        x402.X402Version,
		Error:              reason,
		Purchase:           req.Purchase,
		Amount:             price.String(),
		Receiver:           r.cfg.Receiver.Hex(),
		Token:              r.cfg.Token.VerifyingContract.Hex(),
		ChainID:            chainID,
		Network:            r.cfg.Network,
		Nonce:              common.Hash(nonce).Hex(),
		Deadline:           deadline,
		Memo:               memo,
		ProcessorAddress:   r.cfg.Processor.VerifyingContract.Hex(),
		TokenNonce:         common.Hash(tokenNonce).Hex(),
		ValidAfter:         validAfter,
		ValidBefore:        deadline,
		Payment:            processor.TypedData(r.cfg.Processor, auth),
		TokenAuthorization: eip3009.TypedData(r.cfg.Token, transfer),
		Pricing:            &pricing,
	}, nil
}

func (r *Relay) paymentNonce(requestID, memo string) ([32]byte, error) {
	if requestID == "" {
		nonce, err := eip3009.GenerateNonce()
		if err != nil {
			return nonce, fmt.Errorf("failed to generate nonce: %w", err)
		}
		return nonce, nil
	}
	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte("x402-payment"), []byte(requestID), []byte(memo)))
	return nonce, nil
}
