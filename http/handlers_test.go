package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/facilitator"
	"github.com/KartikMantri/pay-per-request-prompt-x402/http/internal/helpers"
)

func newRelayServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	sessions, err := auth.NewSessionIssuer(strings.Repeat("k", 32), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	(&Handlers{
		Engine:      env.net.Engine,
		Facilitator: env.net.Relay,
		Verifier:    env.verifier,
		Sessions:    sessions,
	}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlers_Pricing(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)

	resp, err := http.Get(srv.URL + "/pricing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var pricing x402.PricingTable
	if err := json.NewDecoder(resp.Body).Decode(&pricing); err != nil {
		t.Fatal(err)
	}
	if pricing.PerCall.Int64() != 10_000 || pricing.CreditsPerPack != 100 {
		t.Errorf("pricing = %+v", pricing)
	}
}

func TestHandlers_Access(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)
	if err := env.net.Operator.GrantCredits(context.Background(), env.signer.Address(), 7); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		address    string
		wantStatus int
		wantCredit uint64
	}{
		{"funded account", env.signer.Address().Hex(), http.StatusOK, 7},
		{"lowercase address", strings.ToLower(env.signer.Address().Hex()), http.StatusOK, 7},
		{"unknown account", owner.Hex(), http.StatusOK, 0},
		{"malformed address", "0x1234", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/access/" + tt.address)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got facilitator.AccessResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.CreditBalance != tt.wantCredit || got.IsPremium {
				t.Errorf("status = %+v", got)
			}
		})
	}
}

func TestHandlers_ChallengeAndSettle(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)

	resp := postJSON(t, srv.URL+"/challenge", facilitator.ChallengeRequest{
		Purchase: x402.Purchase{Kind: x402.PurchasePremium, Days: 7},
		Payer:    env.signer.Address().Hex(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge status = %d", resp.StatusCode)
	}
	var challenge x402.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		t.Fatal(err)
	}
	if challenge.Amount != "5000000" || challenge.Memo != "premium:7" {
		t.Fatalf("challenge = %+v", challenge)
	}

	payment, err := env.signer.SignChallenge(&challenge)
	if err != nil {
		t.Fatal(err)
	}
	resp = postJSON(t, srv.URL+"/settle", payment)
	var settled x402.SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&settled); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !settled.Success {
		t.Fatalf("settle status = %d, response %+v", resp.StatusCode, settled)
	}

	status, err := env.net.Ledger.AccessStatus(context.Background(), env.signer.Address())
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsPremium {
		t.Error("premium not granted")
	}

	t.Run("replay is a payment failure", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/settle", payment)
		var got x402.SettleResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusPaymentRequired || got.Success {
			t.Errorf("status = %d, response %+v", resp.StatusCode, got)
		}
		if got.ErrorReason != string(x402.ErrCodePaymentFailed) {
			t.Errorf("errorReason = %q", got.ErrorReason)
		}
	})
}

func TestHandlers_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"challenge unknown purchase", "/challenge", facilitator.ChallengeRequest{Purchase: x402.Purchase{Kind: "gift"}}},
		{"challenge bad payer", "/challenge", facilitator.ChallengeRequest{Purchase: x402.Purchase{Kind: x402.PurchaseCredits, Packs: 1}, Payer: "nobody"}},
		{"settle empty request", "/settle", x402.SettlementRequest{}},
		{"session empty proof", "/session", x402.WalletProof{}},
		{"unknown field", "/challenge", map[string]any{"purchase": map[string]any{"kind": "credits", "packs": 1}, "tip": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	t.Run("settle malformed carries reason", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/settle", x402.SettlementRequest{Address: "0x1"})
		var got x402.SettleResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.ErrorReason != string(x402.ErrCodeMalformedRequest) {
			t.Errorf("errorReason = %q", got.ErrorReason)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/settle", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestHandlers_Session(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)

	proof, err := env.signer.ProveOwnership("")
	if err != nil {
		t.Fatal(err)
	}
	resp := postJSON(t, srv.URL+"/session", proof)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var session facilitator.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatal(err)
	}
	if session.Token == "" || session.Address != env.signer.Address().Hex() {
		t.Errorf("session = %+v", session)
	}

	forged := *proof
	forged.Address = owner.Hex()
	resp = postJSON(t, srv.URL+"/session", forged)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged proof status = %d, want 401", resp.StatusCode)
	}
	var body helpers.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		t.Errorf("error body = %+v, err %v", body, err)
	}
}
