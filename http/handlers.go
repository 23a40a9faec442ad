package http

import (
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
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
	"github.com/KartikMantri/pay-per-request-prompt-x402/http/internal/helpers"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
	"github.com/KartikMantri/pay-per-request-prompt-x402/validation"
)

// maxBodyBytes bounds request bodies of the relay endpoints.
const maxBodyBytes = 64 << 10

// Handlers serves the relay endpoints:
//
//	GET  /pricing
//	GET  /access/{address}
//	POST /challenge
//	POST /settle
//	POST /session
type Handlers struct {
	// Engine answers /access and /pricing. Required.
	Engine *access.Engine

	// Facilitator answers /challenge and /settle. Required.
	Facilitator facilitator.Interface

	// Verifier and Sessions enable POST /session when Sessions is set.
	Verifier *auth.Verifier
	Sessions *auth.SessionIssuer

	Logger *slog.Logger
}

// Register adds the endpoints to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pricing", h.Pricing)
	mux.HandleFunc("GET /access/{address}", h.Access)
	mux.HandleFunc("POST /challenge", h.Challenge)
	mux.HandleFunc("POST /settle", h.Settle)
	if h.Sessions != nil {
		mux.HandleFunc("POST /session", h.Session)
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handlers) verifier() *auth.Verifier {
	if h.Verifier != nil {
		return h.Verifier
	}
	return auth.NewVerifier()
}

// Pricing returns the ledger's pricing table.
func (h *Handlers) Pricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := h.Engine.Pricing(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, http.StatusOK, pricing)
}

// Access returns the access status of the address in the path.
func (h *Handlers) Access(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if err := validation.ValidateAddress(raw); err != nil {
		h.fail(w, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err))
		return
	}
	account := common.HexToAddress(raw)

	status, err := h.Engine.Status(r.Context(), account)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, http.StatusOK, facilitator.AccessResponse{Address: account.Hex(), AccessStatus: status})
}

// Challenge prices a purchase and returns the structures to sign.
func (h *Handlers) Challenge(w http.ResponseWriter, r *http.Request) {
	var body facilitator.ChallengeRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, err)
		return
	}

	req := relay.ChallengeRequest{Purchase: body.Purchase, RequestID: body.RequestID}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(helpers.HeaderRequestID)
	}
	if body.Payer != "" {
		if err := validation.ValidateAddress(body.Payer); err != nil {
			h.fail(w, fmt.Errorf("%w: payer: %w", x402.ErrMalformedRequest, err))
			return
		}
		req.Payer = common.HexToAddress(body.Payer)
	}

	challenge, err := h.Facilitator.BuildChallenge(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, http.StatusOK, challenge)
}

// Settle verifies and settles a signed payment. The body is always a
// SettleResponse; the status reflects the failure class.
func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	var req x402.SettlementRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := validation.ValidateSettlementRequest(req); err != nil {
		err = x402.NewPaymentError(x402.ErrCodeMalformedRequest, "invalid settlement request", err)
		h.write(w, helpers.StatusFor(err), x402.SettleResponse{
			ErrorReason:  string(x402.ErrCodeMalformedRequest),
			ErrorMessage: err.Error(),
		})
		return
	}

	resp, err := h.Facilitator.Settle(r.Context(), &req)
	if err != nil {
		if resp == nil {
			h.fail(w, err)
			return
		}
		h.write(w, helpers.StatusFor(err), resp)
		return
	}
	h.write(w, http.StatusOK, resp)
}

// Session trades a wallet proof for a bearer token.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	var proof x402.WalletProof
	if err := decodeBody(r, &proof); err != nil {
		h.fail(w, err)
		return
	}
	if err := validation.ValidateWalletProof(proof); err != nil {
		h.fail(w, fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err))
		return
	}

	address, err := h.verifier().Verify(proof)
	if err != nil {
		h.logger().Info("session proof rejected", "address", proof.Address, "error", err)
		h.fail(w, fmt.Errorf("%w: %w", x402.ErrIdentityRequired, err))
		return
	}

	token, expires, err := h.Sessions.Issue(address)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, http.StatusOK, facilitator.SessionResponse{
		Token:     token,
		Address:   address.Hex(),
		ExpiresAt: expires.Unix(),
	})
}

func (h *Handlers) write(w http.ResponseWriter, status int, v any) {
	if err := helpers.WriteJSON(w, status, v); err != nil {
		h.logger().Error("failed to write response", "error", err)
	}
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	if helpers.StatusFor(err) >= http.StatusInternalServerError {
		h.logger().Error("request failed", "error", err)
	}
	if werr := helpers.SendError(w, err); werr != nil {
		h.logger().Error("failed to write response", "error", werr)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", x402.ErrMalformedRequest)
		}
		return fmt.Errorf("%w: %w", x402.ErrMalformedRequest, err)
	}
	return nil
}
