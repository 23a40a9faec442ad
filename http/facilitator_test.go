package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
)

func TestFacilitatorClient_AgainstRelay(t *testing.T) {
	env := newTestEnv(t)
	srv := newRelayServer(t, env)
	ctx := context.Background()

	var before, after int
	client := &FacilitatorClient{
		BaseURL:        srv.URL,
		Timeouts:       x402.DefaultTimeouts,
		OnBeforeSettle: func(context.Context, *x402.SettlementRequest) error { before++; return nil },
		OnAfterSettle: func(_ context.Context, _ *x402.SettlementRequest, resp *x402.SettleResponse, err error) {
			after++
		},
	}

	pricing, err := client.Pricing(ctx)
	if err != nil {
		t.Fatalf("Pricing() error = %v", err)
	}
	if pricing.Premium30Days.Int64() != 15_000_000 {
		t.Errorf("premium30Days = %s", pricing.Premium30Days)
	}

	challenge, err := client.BuildChallenge(ctx, relay.ChallengeRequest{
		Purchase:  x402.Purchase{Kind: x402.PurchasePremium, Days: 30},
		RequestID: "req-1",
		Payer:     env.signer.Address(),
	})
	if err != nil {
		t.Fatalf("BuildChallenge() error = %v", err)
	}
	again, err := client.BuildChallenge(ctx, relay.ChallengeRequest{
		Purchase:  x402.Purchase{Kind: x402.PurchasePremium, Days: 30},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.Nonce != challenge.Nonce {
		t.Error("same request id should give the same nonce")
	}

	payment, err := env.signer.SignChallenge(challenge)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Settle(ctx, payment)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if !resp.Success || resp.Purchase == nil || resp.Purchase.Days != 30 {
		t.Errorf("response = %+v", resp)
	}

	resp, err = client.Settle(ctx, payment)
	if err == nil || resp == nil || resp.Success {
		t.Fatalf("replayed Settle() = %+v, %v", resp, err)
	}
	if x402.CodeOf(err) != x402.ErrCodePaymentFailed || !errors.Is(err, x402.ErrSettlementFailed) {
		t.Errorf("error = %v", err)
	}
	if before != 2 || after != 2 {
		t.Errorf("hooks before=%d after=%d", before, after)
	}

	t.Run("challenge error carries code", func(t *testing.T) {
		_, err := client.BuildChallenge(ctx, relay.ChallengeRequest{Purchase: x402.Purchase{Kind: x402.PurchaseCredits}})
		if x402.CodeOf(err) != x402.ErrCodeMalformedRequest {
			t.Errorf("error = %v, want MALFORMED_REQUEST", err)
		}
	})
}

func TestFacilitatorClient_OnBeforeSettleAborts(t *testing.T) {
	abort := errors.New("blocked")
	client := &FacilitatorClient{
		BaseURL:        "http://127.0.0.1:0",
		OnBeforeSettle: func(context.Context, *x402.SettlementRequest) error { return abort },
		OnAfterSettle: func(context.Context, *x402.SettlementRequest, *x402.SettleResponse, error) {
			t.Error("OnAfterSettle called after abort")
		},
	}
	if _, err := client.Settle(context.Background(), &x402.SettlementRequest{}); !errors.Is(err, abort) {
		t.Errorf("Settle() error = %v", err)
	}
}

func TestFacilitatorClient_Authorization(t *testing.T) {
	tests := []struct {
		name     string
		static   string
		provider AuthorizationProvider
		want     string
	}{
		{"none", "", nil, ""},
		{"static", "Bearer static", nil, "Bearer static"},
		{"provider wins", "Bearer static", func(*http.Request) string { return "Bearer dynamic" }, "Bearer dynamic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				_ = json.NewEncoder(w).Encode(x402.DefaultPricing())
			}))
			defer srv.Close()

			client := &FacilitatorClient{BaseURL: srv.URL, Authorization: tt.static, AuthorizationProvider: tt.provider}
			if _, err := client.Pricing(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFacilitatorClient_Retries(t *testing.T) {
	t.Run("transport errors are retried", func(t *testing.T) {
		var attempts atomic.Int32
		client := &FacilitatorClient{
			BaseURL:    "http://relay.invalid",
			MaxRetries: 2,
			RetryDelay: time.Millisecond,
			Client: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				attempts.Add(1)
				return nil, errors.New("connection refused")
			})},
		}
		_, err := client.Pricing(context.Background())
		if !errors.Is(err, x402.ErrNetworkError) {
			t.Errorf("error = %v, want network error", err)
		}
		if attempts.Load() != 3 {
			t.Errorf("attempts = %d, want 3", attempts.Load())
		}
	})

	t.Run("relay responses are final", func(t *testing.T) {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(x402.SettleResponse{
				ErrorReason:  string(x402.ErrCodeInsufficientResource),
				ErrorMessage: "relayer cannot pay gas",
			})
		}))
		defer srv.Close()

		client := &FacilitatorClient{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond}
		resp, err := client.Settle(context.Background(), &x402.SettlementRequest{})
		if x402.CodeOf(err) != x402.ErrCodeInsufficientResource {
			t.Errorf("error = %v", err)
		}
		if resp == nil || resp.ErrorMessage != "relayer cannot pay gas" {
			t.Errorf("response = %+v", resp)
		}
		if attempts.Load() != 1 {
			t.Errorf("attempts = %d, want 1", attempts.Load())
		}
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
