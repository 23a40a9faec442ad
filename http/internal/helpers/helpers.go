// Package helpers provides internal HTTP utilities shared by the net/http
// and gin adapters.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/encoding"
)

// Request and response headers.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletMessage   = "X-Wallet-Message"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
	HeaderCallID          = "X-Call-Id"
	HeaderRequestID       = "X-Request-Id"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// ErrNilPayment is returned when payment is nil in BuildPaymentHeader.
var ErrNilPayment = errors.New("payment is nil")

// ErrorBody is the JSON body of every non-402 error response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Code    x402.ErrorCode `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ParseWalletProof reads the X-Wallet-* headers. It returns nil without an
// error when no X-Wallet-Address header is present.
func ParseWalletProof(r *http.Request) (*x402.WalletProof, error) {
	address := r.Header.Get(HeaderWalletAddress)
	if address == "" {
		return nil, nil
	}

	signature := r.Header.Get(HeaderWalletSignature)
	encoded := r.Header.Get(HeaderWalletMessage)
	rawTimestamp := r.Header.Get(HeaderWalletTimestamp)
	if signature == "" || encoded == "" || rawTimestamp == "" {
		return nil, fmt.Errorf("%w: %s, %s and %s are required with %s", x402.ErrMalformedRequest,
			HeaderWalletSignature, HeaderWalletMessage, HeaderWalletTimestamp, HeaderWalletAddress)
	}

	message, err := encoding.DecodeMessage(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", x402.ErrMalformedRequest, HeaderWalletMessage, err)
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be unix seconds", x402.ErrMalformedRequest, HeaderWalletTimestamp)
	}

	return &x402.WalletProof{
		Address:   address,
		Message:   message,
		Signature: signature,
		Timestamp: timestamp,
	}, nil
}

// SetWalletProof writes proof into the X-Wallet-* headers.
func SetWalletProof(h http.Header, proof *x402.WalletProof) {
	h.Set(HeaderWalletAddress, proof.Address)
	h.Set(HeaderWalletSignature, proof.Signature)
	h.Set(HeaderWalletMessage, encoding.EncodeMessage(proof.Message))
	h.Set(HeaderWalletTimestamp, strconv.FormatInt(proof.Timestamp, 10))
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ParseCallID reads the X-Call-Id header. A missing header is the zero id.
func ParseCallID(r *http.Request) (x402.CallID, error) {
	raw := r.Header.Get(HeaderCallID)
	if raw == "" {
		return x402.CallID{}, nil
	}
	id, err := x402.ParseCallID(raw)
	if err != nil {
		return x402.CallID{}, fmt.Errorf("%w: %s: %w", x402.ErrMalformedRequest, HeaderCallID, err)
	}
	return id, nil
}

// ParsePaymentHeader decodes an inline settlement request from the
// X-PAYMENT header. It returns nil without an error when the header is absent.
func ParsePaymentHeader(r *http.Request) (*x402.SettlementRequest, error) {
	paymentHeader := r.Header.Get(HeaderPayment)
	if paymentHeader == "" {
		return nil, nil
	}

	req, err := encoding.DecodeSettlementRequest(paymentHeader)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedRequest, "failed to decode payment header", err)
	}
	return &req, nil
}

// SendPaymentRequired writes a 402 Payment Required response with the challenge.
// Returns an error if JSON encoding fails.
func SendPaymentRequired(w http.ResponseWriter, challenge *x402.Challenge) error {
	return WriteJSON(w, http.StatusPaymentRequired, challenge)
}

// SendError writes an ErrorBody with the status that fits err.
func SendError(w http.ResponseWriter, err error) error {
	body := ErrorBody{Error: err.Error()}
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		body.Code = pe.Code
		body.Error = pe.Error()
		if len(pe.Details) > 0 {
			body.Details = pe.Details
		}
	}
	return WriteJSON(w, StatusFor(err), body)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

// StatusFor maps an error to an HTTP status: malformed input is 400,
// authorization failures and transient ledger failures are 402, and
// exhausted relayer or payer funds are 503.
func StatusFor(err error) int {
	switch x402.CodeOf(err) {
	case x402.ErrCodeMalformedRequest:
		return http.StatusBadRequest
	case x402.ErrCodePaymentFailed, x402.ErrCodeAccessCheckFailed:
		return http.StatusPaymentRequired
	case x402.ErrCodeInsufficientResource:
		return http.StatusServiceUnavailable
	case x402.ErrCodeNetworkError, x402.ErrCodeFulfillmentFailed:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, x402.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, x402.ErrIdentityRequired):
		return http.StatusUnauthorized
	case errors.Is(err, x402.ErrPaymentRequired), errors.Is(err, x402.ErrLedgerUnavailable):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with settlement information.
// Returns an error if settlement is nil or encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
	return nil
}

// ParseChallenge extracts the Challenge from a 402 response body.
// Returns an error if resp or resp.Body is nil.
func ParseChallenge(resp *http.Response) (*x402.Challenge, error) {
	if resp == nil || resp.Body == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "missing response or body", x402.ErrInvalidChallenge)
	}

	var challenge x402.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "failed to decode challenge", err)
	}
	if challenge.Amount == "" || challenge.Memo == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidChallenge, "challenge has no amount or memo", x402.ErrInvalidChallenge)
	}

	return &challenge, nil
}

// ParseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *x402.SettleResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// BuildPaymentHeader creates the X-PAYMENT header value from a SettlementRequest.
// Returns an error if payment is nil or encoding fails.
func BuildPaymentHeader(payment *x402.SettlementRequest) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("BuildPaymentHeader: %w", ErrNilPayment)
	}
	encoded, err := encoding.EncodeSettlementRequest(*payment)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode payment: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
