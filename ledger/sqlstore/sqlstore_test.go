package sqlstore

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
)

var (
	owner = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("Open(mysql) error = %v, want ErrUnsupportedDriver", err)
	}
}

func TestStoreEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))

	acct, err := s.Account(ctx, alice)
	if err != nil {
		t.Fatalf("Account() error = %v", err)
	}
	if acct.Address != alice || acct.CreditBalance != 0 || acct.PremiumExpiresAt != 0 {
		t.Errorf("Account() = %+v, want zero account", acct)
	}
	if balance, err := s.Balance(ctx); err != nil || balance.Sign() != 0 {
		t.Errorf("Balance() = %v, %v", balance, err)
	}
	if op, err := s.Operator(ctx); err != nil || op != (common.Address{}) {
		t.Errorf("Operator() = %v, %v", op, err)
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))

	var id x402.CallID
	id[0] = 0xAA

	err := s.Apply(ctx, ledger.Mutation{
		Account:      &ledger.Account{Address: alice, CreditBalance: 300, PremiumExpiresAt: 99},
		UseCallID:    &id,
		BalanceDelta: big.NewInt(10000),
		Operator:     &owner,
		Event: ledger.Event{
			Kind:      ledger.EventPaymentRecorded,
			Account:   alice,
			CallID:    id,
			Amount:    big.NewInt(10000),
			Timestamp: 1700000000,
		},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	acct, _ := s.Account(ctx, alice)
	if acct.CreditBalance != 300 || acct.PremiumExpiresAt != 99 {
		t.Errorf("Account() = %+v", acct)
	}
	if used, _ := s.IsCallIDUsed(ctx, id); !used {
		t.Error("call id should be used")
	}
	if balance, _ := s.Balance(ctx); balance.Int64() != 10000 {
		t.Errorf("Balance() = %s", balance)
	}
	if op, _ := s.Operator(ctx); op != owner {
		t.Errorf("Operator() = %s", op.Hex())
	}

	events, err := s.Events(ctx, &alice, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("Events() = %v, %v", events, err)
	}
	if events[0].CallID != id || events[0].Amount.Int64() != 10000 || events[0].Kind != ledger.EventPaymentRecorded {
		t.Errorf("event = %+v", events[0])
	}

	t.Run("replayed call id rolls back the whole mutation", func(t *testing.T) {
		err := s.Apply(ctx, ledger.Mutation{
			Account:      &ledger.Account{Address: alice, CreditBalance: 1},
			UseCallID:    &id,
			BalanceDelta: big.NewInt(10000),
			Event:        ledger.Event{Kind: ledger.EventPaymentRecorded, Account: alice, Timestamp: 1},
		})
		if !errors.Is(err, ledger.ErrAlreadyUsed) {
			t.Fatalf("Apply(replay) error = %v, want ErrAlreadyUsed", err)
		}
		acct, _ := s.Account(ctx, alice)
		if acct.CreditBalance != 300 {
			t.Errorf("credit balance changed to %d", acct.CreditBalance)
		}
		if balance, _ := s.Balance(ctx); balance.Int64() != 10000 {
			t.Errorf("balance changed to %s", balance)
		}
		if events, _ := s.Events(ctx, nil, 0); len(events) != 1 {
			t.Errorf("events = %d, want 1", len(events))
		}
	})
}

func TestLedgerOverSQLPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }
	pricing := x402.DefaultPricing()

	s := openTestStore(t, path)
	l, err := ledger.New(ctx, owner, pricing, s, ledger.WithClock(clock))
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	if _, err := l.BuyCredits(ctx, alice, 2, new(big.Int).Mul(pricing.CreditPack, big.NewInt(2))); err != nil {
		t.Fatalf("BuyCredits() error = %v", err)
	}
	if _, err := l.BuyTier(ctx, alice, 7, pricing.Premium7Days); err != nil {
		t.Fatalf("BuyTier() error = %v", err)
	}
	s.Close()

	reopened := openTestStore(t, path)
	l2, err := ledger.New(ctx, owner, pricing, reopened, ledger.WithClock(clock))
	if err != nil {
		t.Fatalf("ledger.New(reopened) error = %v", err)
	}
	status, err := l2.AccessStatus(ctx, alice)
	if err != nil {
		t.Fatalf("AccessStatus() error = %v", err)
	}
	if !status.IsPremium || status.CreditBalance != 2*pricing.CreditsPerPack {
		t.Errorf("AccessStatus() = %+v", status)
	}
	want := new(big.Int).Add(new(big.Int).Mul(pricing.CreditPack, big.NewInt(2)), pricing.Premium7Days)
	if balance, _ := l2.Balance(ctx, owner); balance.Cmp(want) != 0 {
		t.Errorf("Balance() = %s, want %s", balance, want)
	}
}

var _ access.RedemptionStore = (*Store)(nil)

func TestRedeemSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s := openTestStore(t, path)

	id, err := x402.RandomCallID(alice)
	if err != nil {
		t.Fatalf("RandomCallID() error = %v", err)
	}
	if first, err := s.Redeem(ctx, id); err != nil || !first {
		t.Fatalf("first Redeem() = %v, %v", first, err)
	}
	if first, err := s.Redeem(ctx, id); err != nil || first {
		t.Errorf("second Redeem() = %v, %v", first, err)
	}
	s.Close()

	reopened := openTestStore(t, path)
	if first, err := reopened.Redeem(ctx, id); err != nil || first {
		t.Errorf("Redeem() after reopen = %v, %v, want already redeemed", first, err)
	}
	other, _ := x402.RandomCallID(alice)
	if first, err := reopened.Redeem(ctx, other); err != nil || !first {
		t.Errorf("Redeem(new id) after reopen = %v, %v", first, err)
	}
}
