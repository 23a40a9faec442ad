package x402

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestX402Version(t *testing.T) {
	if X402Version != 2 {
		t.Errorf("X402Version = %d; want 2", X402Version)
	}
}

func TestAmountToBigInt(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "whole number", amount: "1", decimals: 6, want: "1000000"},
		{name: "decimal", amount: "1.5", decimals: 6, want: "1500000"},
		{name: "small decimal", amount: "0.000001", decimals: 6, want: "1"},
		{name: "zero", amount: "0", decimals: 6, want: "0"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "invalid", amount: "abc", decimals: 6, wantErr: true},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "negative amount", amount: "-1.5", decimals: 6, wantErr: true},
		{name: "negative decimals", amount: "1.5", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBigInt(tt.amount, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Errorf("AmountToBigInt() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("AmountToBigInt() = %s; want %s", got.String(), tt.want)
			}
		})
	}
}

func TestBigIntToAmount(t *testing.T) {
	if got := BigIntToAmount(big.NewInt(1500000), 6); got != "1.500000" {
		t.Errorf("BigIntToAmount() = %s; want 1.500000", got)
	}
	if got := BigIntToAmount(nil, 6); got != "0" {
		t.Errorf("BigIntToAmount(nil) = %s; want 0", got)
	}
}

func TestParseAtomic(t *testing.T) {
	if v, err := ParseAtomic("10000"); err != nil || v.Int64() != 10000 {
		t.Errorf("ParseAtomic(10000) = %v, %v", v, err)
	}
	for _, bad := range []string{"", "-1", "1.5", "0x10"} {
		if _, err := ParseAtomic(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseAtomic(%q) error = %v, want ErrInvalidAmount", bad, err)
		}
	}
}

func TestPricingTable(t *testing.T) {
	p := DefaultPricing()
	if err := p.Validate(); err != nil {
		t.Fatalf("DefaultPricing().Validate() = %v", err)
	}

	t.Run("premium durations", func(t *testing.T) {
		if price, err := p.PremiumPrice(7); err != nil || price.Cmp(p.Premium7Days) != 0 {
			t.Errorf("PremiumPrice(7) = %v, %v", price, err)
		}
		if price, err := p.PremiumPrice(30); err != nil || price.Cmp(p.Premium30Days) != 0 {
			t.Errorf("PremiumPrice(30) = %v, %v", price, err)
		}
		if _, err := p.PremiumPrice(14); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("PremiumPrice(14) error = %v, want ErrInvalidDuration", err)
		}
	})

	t.Run("credit packs", func(t *testing.T) {
		price, err := p.CreditsPrice(3)
		if err != nil {
			t.Fatalf("CreditsPrice(3) error = %v", err)
		}
		want := new(big.Int).Mul(p.CreditPack, big.NewInt(3))
		if price.Cmp(want) != 0 {
			t.Errorf("CreditsPrice(3) = %s; want %s", price, want)
		}
		if _, err := p.CreditsPrice(0); !errors.Is(err, ErrInvalidPackCount) {
			t.Errorf("CreditsPrice(0) error = %v, want ErrInvalidPackCount", err)
		}
	})

	t.Run("operation costs default to one", func(t *testing.T) {
		if got := p.CreditCost("generate-long"); got != 3 {
			t.Errorf("CreditCost(generate-long) = %d; want 3", got)
		}
		if got := p.CreditCost("unknown"); got != DefaultOperationCost {
			t.Errorf("CreditCost(unknown) = %d; want %d", got, DefaultOperationCost)
		}
	})

	t.Run("price returned is a copy", func(t *testing.T) {
		price, _ := p.PriceOf(Purchase{Kind: PurchasePerCall})
		price.SetInt64(1)
		if p.PerCall.Int64() == 1 {
			t.Error("PriceOf should not alias the table")
		}
	})

	t.Run("validate rejects zero prices", func(t *testing.T) {
		bad := DefaultPricing()
		bad.CreditPack = big.NewInt(0)
		if err := bad.Validate(); !errors.Is(err, ErrInvalidPricing) {
			t.Errorf("Validate() error = %v, want ErrInvalidPricing", err)
		}
		bad = DefaultPricing()
		bad.CreditsPerPack = 0
		if err := bad.Validate(); !errors.Is(err, ErrInvalidPricing) {
			t.Errorf("Validate() error = %v, want ErrInvalidPricing", err)
		}
	})
}

func TestPricingTableJSON(t *testing.T) {
	data, err := json.Marshal(DefaultPricing())
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"perCall":"10000"`) {
		t.Errorf("prices should encode as strings, got %s", data)
	}

	var decoded PricingTable
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Premium30Days.Cmp(DefaultPricing().Premium30Days) != 0 {
		t.Errorf("Premium30Days = %s", decoded.Premium30Days)
	}

	if err := json.Unmarshal([]byte(`{"perCall":"x"}`), &decoded); err == nil {
		t.Error("expected error for non-numeric price")
	}
}

func TestMemo(t *testing.T) {
	id := NewCallID(common.HexToAddress("0x01"), []byte("n"), time.Unix(1700000000, 0))

	tests := []struct {
		name     string
		purchase Purchase
		memo     string
	}{
		{"per-call", PerCallPurchase(id), "per-call:" + id.Hex()},
		{"premium", Purchase{Kind: PurchasePremium, Days: 30}, "premium:30"},
		{"credits", Purchase{Kind: PurchaseCredits, Packs: 3}, "credits:3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.purchase.Memo(); got != tt.memo {
				t.Errorf("Memo() = %s; want %s", got, tt.memo)
			}
			parsed, err := ParseMemo(tt.memo)
			if err != nil {
				t.Fatalf("ParseMemo() error = %v", err)
			}
			if parsed != tt.purchase {
				t.Errorf("ParseMemo() = %+v; want %+v", parsed, tt.purchase)
			}
		})
	}

	for _, bad := range []string{"", "premium", "premium:", "premium:seven", "refund:1", "per-call:0x12"} {
		if _, err := ParseMemo(bad); err == nil {
			t.Errorf("ParseMemo(%q) expected error", bad)
		}
	}
}

func TestCallID(t *testing.T) {
	caller := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	at := time.Unix(1700000000, 0)

	a := NewCallID(caller, []byte("nonce"), at)
	if a != NewCallID(caller, []byte("nonce"), at) {
		t.Error("NewCallID should be deterministic")
	}
	if a == NewCallID(caller, []byte("nonce"), at.Add(time.Second)) {
		t.Error("time should change the identifier")
	}
	if a.IsZero() {
		t.Error("derived identifier should not be zero")
	}

	parsed, err := ParseCallID(a.Hex())
	if err != nil || parsed != a {
		t.Errorf("ParseCallID(Hex()) = %v, %v", parsed, err)
	}

	text, _ := json.Marshal(struct {
		ID CallID `json:"id"`
	}{a})
	if !strings.Contains(string(text), a.Hex()) {
		t.Errorf("CallID should marshal as hex, got %s", text)
	}

	if _, err := ParseCallID("0xabc"); !errors.Is(err, ErrInvalidCallID) {
		t.Errorf("ParseCallID(short) error = %v, want ErrInvalidCallID", err)
	}

	r1, _ := RandomCallID(caller)
	r2, _ := RandomCallID(caller)
	if r1 == r2 {
		t.Error("RandomCallID should not repeat")
	}
}

func TestSettleResponseJSON(t *testing.T) {
	resp := SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     NetworkBaseSepolia,
		Payer:       "0x1234",
		Purchase:    &Purchase{Kind: PurchaseCredits, Packs: 2},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var decoded SettleResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Purchase == nil || decoded.Purchase.Packs != 2 {
		t.Errorf("Purchase = %+v", decoded.Purchase)
	}
}

func TestPaymentError(t *testing.T) {
	t.Run("WithDetails on nil map", func(t *testing.T) {
		err := &PaymentError{Code: ErrCodePaymentFailed, Message: "test"}
		err.WithDetails("key", "value")
		if err.Details["key"] != "value" {
			t.Errorf("Details[key] = %v; want value", err.Details["key"])
		}
	})

	t.Run("unwraps and reports code", func(t *testing.T) {
		err := NewPaymentError(ErrCodeInsufficientResource, "relayer low", ErrInsufficientRelayerBalance)
		if !errors.Is(err, ErrInsufficientRelayerBalance) {
			t.Error("PaymentError should unwrap to its cause")
		}
		if got := CodeOf(err); got != ErrCodeInsufficientResource {
			t.Errorf("CodeOf() = %s", got)
		}
		if got := CodeOf(errors.New("plain")); got != "" {
			t.Errorf("CodeOf(plain) = %s; want empty", got)
		}
	})
}

func TestTimeoutConfig(t *testing.T) {
	if err := DefaultTimeouts.Validate(); err != nil {
		t.Fatalf("DefaultTimeouts.Validate() = %v", err)
	}
	if err := DefaultTimeouts.WithLedgerReadTimeout(0).Validate(); err == nil {
		t.Error("zero ledger read timeout should be invalid")
	}
	if err := DefaultTimeouts.WithSettleTimeout(time.Second).Validate(); err == nil {
		t.Error("settle timeout below verify timeout should be invalid")
	}
	if err := DefaultTimeouts.WithRequestTimeout(time.Minute).Validate(); err == nil {
		t.Error("request timeout below settle timeout should be invalid")
	}
}
