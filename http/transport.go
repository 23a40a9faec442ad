package http

import (
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/http/internal/helpers"
	"github.com/KartikMantri/pay-per-request-prompt-x402/validation"
)

// X402Transport is a custom RoundTripper that handles x402 access flows.
// It identifies every request with a wallet proof and automatically pays
// per-call challenges from 402 Payment Required responses.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signer proves wallet ownership and signs challenges.
	Signer x402.Signer

	// SessionToken, when set, is sent as a bearer token instead of a
	// per-request wallet proof.
	SessionToken string

	// AutoPay pays 402 challenges. When false the 402 response is returned
	// to the caller unchanged.
	AutoPay bool

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

func (t *X402Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// identify adds the caller's identity headers to req unless it already
// carries one.
func (t *X402Transport) identify(req *http.Request) error {
	if req.Header.Get("Authorization") != "" || req.Header.Get(helpers.HeaderWalletAddress) != "" {
		return nil
	}
	if t.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.SessionToken)
		return nil
	}
	if t.Signer == nil {
		return nil
	}
	proof, err := t.Signer.ProveOwnership("")
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to prove wallet ownership", err)
	}
	helpers.SetWalletProof(req.Header, proof)
	return nil
}

// RoundTrip implements http.RoundTripper.
// It makes the initial request, and if a 402 Payment Required response is received,
// it signs the challenge and retries the request with the payment attached.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqCopy := req.Clone(req.Context())
	if err := t.identify(reqCopy); err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(reqCopy)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired || !t.AutoPay || t.Signer == nil {
		return resp, nil
	}

	callID := resp.Header.Get(helpers.HeaderCallID)
	challenge, err := helpers.ParseChallenge(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateChallenge(*challenge); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "invalid challenge", err)
	}
	if callID == "" {
		callID = challenge.Purchase.CallID
	}

	startTime := time.Now()
	event := x402.PaymentEvent{
		Method:   "HTTP",
		URL:      req.URL.String(),
		Purchase: challenge.Purchase,
		Amount:   challenge.Amount,
		Network:  challenge.Network,
		Payer:    t.Signer.Address().Hex(),
	}
	if t.OnPaymentAttempt != nil {
		attempt := event
		attempt.Type = x402.PaymentEventAttempt
		attempt.Timestamp = startTime
		t.OnPaymentAttempt(attempt)
	}
	fail := func(err error) error {
		if t.OnPaymentFailure != nil {
			failure := event
			failure.Type = x402.PaymentEventFailure
			failure.Timestamp = time.Now()
			failure.Error = err
			failure.Duration = time.Since(startTime)
			t.OnPaymentFailure(failure)
		}
		return err
	}

	payment, err := t.Signer.SignChallenge(challenge)
	if err != nil {
		return nil, fail(err)
	}
	paymentHeader, err := helpers.BuildPaymentHeader(payment)
	if err != nil {
		return nil, fail(x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment header", err))
	}

	reqRetry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fail(fmt.Errorf("%w: request body cannot be replayed", x402.ErrPaymentRequired))
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fail(err)
		}
		reqRetry.Body = body
	}
	reqRetry.Header.Del(helpers.HeaderWalletAddress)
	if err := t.identify(reqRetry); err != nil {
		return nil, fail(err)
	}
	reqRetry.Header.Set(helpers.HeaderPayment, paymentHeader)
	if callID != "" {
		reqRetry.Header.Set(helpers.HeaderCallID, callID)
	}

	respRetry, err := t.base().RoundTrip(reqRetry)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fail(err)
	}

	settlement := helpers.ParseSettlement(respRetry.Header.Get(helpers.HeaderPaymentResponse))
	if settlement == nil || !settlement.Success {
		reason := fmt.Errorf("%w: status %d", x402.ErrSettlementFailed, respRetry.StatusCode)
		if settlement != nil {
			reason = fmt.Errorf("%w: %s: %s", x402.ErrSettlementFailed, settlement.ErrorReason, settlement.ErrorMessage)
		}
		fail(reason)
		return respRetry, nil
	}

	if t.OnPaymentSuccess != nil {
		success := event
		success.Type = x402.PaymentEventSuccess
		success.Timestamp = time.Now()
		success.Transaction = settlement.Transaction
		success.Payer = settlement.Payer
		success.Duration = duration
		t.OnPaymentSuccess(success)
	}
	return respRetry, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
