// Package ledger implements the access ledger: premium expiry and credit
// balances per wallet, the per-call replay set, and the owner/operator
// administration around them.
//
// All write operations are serialized by the ledger and applied to the
// Store as single atomic mutations, mirroring the execution model of the
// on-chain contract it stands in for.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

const secondsPerDay = 24 * 60 * 60

// PayoutFunc transfers amount of the collected balance to the owner.
type PayoutFunc func(ctx context.Context, to common.Address, amount *big.Int) error

// AccessLedger records tier purchases and replay-protected per-call payments.
type AccessLedger struct {
	mu      sync.Mutex
	store   Store
	pricing x402.PricingTable
	owner   common.Address
	now     func() time.Time
	payout  PayoutFunc
	logger  *slog.Logger
}

type Option func(*AccessLedger) error

// New creates a ledger owned by owner. If the store has no operator yet,
// the owner is installed as operator.
func New(ctx context.Context, owner common.Address, pricing x402.PricingTable, store Store, opts ...Option) (*AccessLedger, error) {
	if err := pricing.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}

	l := &AccessLedger{
		store:   store,
		pricing: pricing,
		owner:   owner,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	operator, err := store.Operator(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator: %w", err)
	}
	if operator == (common.Address{}) {
		if err := l.store.Apply(ctx, Mutation{
			Operator: &owner,
			Event:    Event{Kind: EventOperatorChanged, Account: owner},
		}); err != nil {
			return nil, fmt.Errorf("failed to install operator: %w", err)
		}
	}
	return l, nil
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *AccessLedger) error {
		l.now = now
		return nil
	}
}

// WithPayout sets how Withdraw moves funds. Without it Withdraw only zeroes
// the collected balance.
func WithPayout(fn PayoutFunc) Option {
	return func(l *AccessLedger) error {
		l.payout = fn
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *AccessLedger) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// Owner returns the deploying owner identity.
func (l *AccessLedger) Owner() common.Address { return l.owner }

// Pricing returns the pricing table.
func (l *AccessLedger) Pricing() x402.PricingTable { return l.pricing }

// PayPerCall records a per-call payment of value for callID.
func (l *AccessLedger) PayPerCall(ctx context.Context, caller common.Address, callID x402.CallID, value *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !exact(value, l.pricing.PerCall) {
		return ErrIncorrectAmount
	}
	return l.recordPerCall(ctx, caller, callID, value, true)
}

// RecordPerCall is the operator entry point for a per-call payment settled
// out of band (a relayed token transfer). The same exact-amount and replay
// rules apply, but no value is collected by the ledger.
func (l *AccessLedger) RecordPerCall(ctx context.Context, sender, account common.Address, callID x402.CallID, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOperator(ctx, sender); err != nil {
		return err
	}
	if !exact(amount, l.pricing.PerCall) {
		return ErrIncorrectAmount
	}
	return l.recordPerCall(ctx, account, callID, amount, false)
}

func (l *AccessLedger) recordPerCall(ctx context.Context, account common.Address, callID x402.CallID, amount *big.Int, collect bool) error {
	used, err := l.store.IsCallIDUsed(ctx, callID)
	if err != nil {
		return err
	}
	if used {
		return ErrAlreadyUsed
	}

	m := Mutation{
		UseCallID: &callID,
		Event: Event{
			Kind:      EventPaymentRecorded,
			Account:   account,
			CallID:    callID,
			Amount:    new(big.Int).Set(amount),
			Timestamp: l.now().Unix(),
		},
	}
	if collect {
		m.BalanceDelta = new(big.Int).Set(amount)
	}
	if err := l.store.Apply(ctx, m); err != nil {
		return err
	}

	l.logger.InfoContext(ctx, "per-call payment recorded",
		"account", account.Hex(),
		"callId", callID.Hex(),
		"amount", amount.String())
	return nil
}

// BuyTier buys days of premium. The new expiry extends from
// max(now, current expiry).
func (l *AccessLedger) BuyTier(ctx context.Context, caller common.Address, days uint64, value *big.Int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, err := l.pricing.PremiumPrice(days)
	if err != nil {
		return 0, err
	}
	if !exact(value, price) {
		return 0, ErrIncorrectAmount
	}
	return l.extendPremium(ctx, caller, days, EventTierPurchased, value, true)
}

// RecordTierPurchase is the operator entry point for a premium purchase
// settled out of band. The same price and duration rules as BuyTier apply,
// but no value is collected by the ledger.
func (l *AccessLedger) RecordTierPurchase(ctx context.Context, sender, account common.Address, days uint64, amount *big.Int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOperator(ctx, sender); err != nil {
		return 0, err
	}
	price, err := l.pricing.PremiumPrice(days)
	if err != nil {
		return 0, err
	}
	if !exact(amount, price) {
		return 0, ErrIncorrectAmount
	}
	return l.extendPremium(ctx, account, days, EventTierPurchased, amount, false)
}

// GrantPremium extends premium without payment. Owner only.
func (l *AccessLedger) GrantPremium(ctx context.Context, sender, account common.Address, days uint64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sender != l.owner {
		return 0, ErrNotOwner
	}
	if days == 0 {
		return 0, ErrInvalidDuration
	}
	return l.extendPremium(ctx, account, days, EventPremiumGranted, nil, false)
}

func (l *AccessLedger) extendPremium(ctx context.Context, account common.Address, days uint64, kind EventKind, amount *big.Int, collect bool) (int64, error) {
	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return 0, err
	}

	now := l.now().Unix()
	start := acct.PremiumExpiresAt
	if start < now {
		start = now
	}
	if days > uint64(math.MaxInt64-start)/secondsPerDay {
		return 0, ErrInvalidDuration
	}
	acct.Address = account
	acct.PremiumExpiresAt = start + int64(days)*secondsPerDay

	m := Mutation{
		Account: &acct,
		Event: Event{
			Kind:      kind,
			Account:   account,
			Days:      days,
			ExpiresAt: acct.PremiumExpiresAt,
			Timestamp: now,
		},
	}
	if amount != nil {
		m.Event.Amount = new(big.Int).Set(amount)
		if collect {
			m.BalanceDelta = new(big.Int).Set(amount)
		}
	}
	if err := l.store.Apply(ctx, m); err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "premium extended",
		"account", account.Hex(),
		"days", days,
		"expiresAt", acct.PremiumExpiresAt,
		"event", kind)
	return acct.PremiumExpiresAt, nil
}

// BuyCredits buys packs credit packs and returns the new balance.
func (l *AccessLedger) BuyCredits(ctx context.Context, caller common.Address, packs uint64, value *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, err := l.pricing.CreditsPrice(packs)
	if err != nil {
		return 0, err
	}
	if !exact(value, price) {
		return 0, ErrIncorrectAmount
	}
	credits, err := l.packCredits(packs)
	if err != nil {
		return 0, err
	}
	return l.addCredits(ctx, caller, credits, EventCreditsPurchased, value, true)
}

// RecordCreditPurchase is the operator entry point for a credit purchase
// settled out of band. The same price and pack rules as BuyCredits apply,
// but no value is collected by the ledger.
func (l *AccessLedger) RecordCreditPurchase(ctx context.Context, sender, account common.Address, packs uint64, amount *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOperator(ctx, sender); err != nil {
		return 0, err
	}
	price, err := l.pricing.CreditsPrice(packs)
	if err != nil {
		return 0, err
	}
	if !exact(amount, price) {
		return 0, ErrIncorrectAmount
	}
	credits, err := l.packCredits(packs)
	if err != nil {
		return 0, err
	}
	return l.addCredits(ctx, account, credits, EventCreditsPurchased, amount, false)
}

// packCredits returns the credits in packs packs.
func (l *AccessLedger) packCredits(packs uint64) (uint64, error) {
	hi, credits := bits.Mul64(packs, l.pricing.CreditsPerPack)
	if hi != 0 {
		return 0, ErrInvalidPackCount
	}
	return credits, nil
}

// GrantCredits adds credits without payment. Owner only.
func (l *AccessLedger) GrantCredits(ctx context.Context, sender, account common.Address, credits uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sender != l.owner {
		return 0, ErrNotOwner
	}
	return l.addCredits(ctx, account, credits, EventCreditsGranted, nil, false)
}

func (l *AccessLedger) addCredits(ctx context.Context, account common.Address, credits uint64, kind EventKind, amount *big.Int, collect bool) (uint64, error) {
	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	balance, carry := bits.Add64(acct.CreditBalance, credits, 0)
	if carry != 0 {
		return 0, ErrCreditOverflow
	}
	acct.Address = account
	acct.CreditBalance = balance

	m := Mutation{
		Account: &acct,
		Event: Event{
			Kind:      kind,
			Account:   account,
			Credits:   credits,
			Timestamp: l.now().Unix(),
		},
	}
	if amount != nil {
		m.Event.Amount = new(big.Int).Set(amount)
		if collect {
			m.BalanceDelta = new(big.Int).Set(amount)
		}
	}
	if err := l.store.Apply(ctx, m); err != nil {
		return 0, err
	}
	return acct.CreditBalance, nil
}

// ConsumeCredits debits amount credits from account. Operator or owner
// only. On ErrInsufficientCredits the balance is unchanged.
func (l *AccessLedger) ConsumeCredits(ctx context.Context, sender, account common.Address, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOperator(ctx, sender); err != nil {
		return 0, err
	}

	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	if acct.CreditBalance < amount {
		return acct.CreditBalance, ErrInsufficientCredits
	}
	acct.Address = account
	acct.CreditBalance -= amount

	if err := l.store.Apply(ctx, Mutation{
		Account: &acct,
		Event: Event{
			Kind:      EventCreditsConsumed,
			Account:   account,
			Credits:   amount,
			Timestamp: l.now().Unix(),
		},
	}); err != nil {
		return 0, err
	}
	return acct.CreditBalance, nil
}

// ConsumeOneCredit debits a single credit.
func (l *AccessLedger) ConsumeOneCredit(ctx context.Context, sender, account common.Address) (uint64, error) {
	return l.ConsumeCredits(ctx, sender, account, 1)
}

// Withdraw pays the collected balance out to the owner. Owner only. If the
// payout fails the balance is left unchanged.
func (l *AccessLedger) Withdraw(ctx context.Context, sender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sender != l.owner {
		return nil, ErrNotOwner
	}
	balance, err := l.store.Balance(ctx)
	if err != nil {
		return nil, err
	}

	if l.payout != nil {
		if err := l.payout(ctx, l.owner, balance); err != nil {
			l.logger.ErrorContext(ctx, "withdraw payout failed", "amount", balance.String(), "error", err)
			return nil, fmt.Errorf("%w: %v", ErrWithdrawFailed, err)
		}
	}

	if err := l.store.Apply(ctx, Mutation{
		BalanceDelta: new(big.Int).Neg(balance),
		Event: Event{
			Kind:      EventWithdrawn,
			Account:   l.owner,
			Amount:    new(big.Int).Set(balance),
			Timestamp: l.now().Unix(),
		},
	}); err != nil {
		return nil, err
	}
	return balance, nil
}

// Balance returns the collected balance. Owner only.
func (l *AccessLedger) Balance(ctx context.Context, sender common.Address) (*big.Int, error) {
	if sender != l.owner {
		return nil, ErrNotOwner
	}
	return l.store.Balance(ctx)
}

// SetOperator replaces the operator identity. Owner only.
func (l *AccessLedger) SetOperator(ctx context.Context, sender, operator common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sender != l.owner {
		return ErrNotOwner
	}
	return l.store.Apply(ctx, Mutation{
		Operator: &operator,
		Event: Event{
			Kind:      EventOperatorChanged,
			Account:   operator,
			Timestamp: l.now().Unix(),
		},
	})
}

// Operator returns the current operator identity.
func (l *AccessLedger) Operator(ctx context.Context) (common.Address, error) {
	return l.store.Operator(ctx)
}

// HasPremium reports whether premium is active for account.
func (l *AccessLedger) HasPremium(ctx context.Context, account common.Address) (bool, error) {
	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return false, err
	}
	return l.now().Unix() < acct.PremiumExpiresAt, nil
}

// Credits returns the credit balance of account.
func (l *AccessLedger) Credits(ctx context.Context, account common.Address) (uint64, error) {
	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	return acct.CreditBalance, nil
}

// IsCallIDUsed reports whether callID is in the replay set.
func (l *AccessLedger) IsCallIDUsed(ctx context.Context, callID x402.CallID) (bool, error) {
	return l.store.IsCallIDUsed(ctx, callID)
}

// AccessStatus returns the premium and credit state of account in one read.
func (l *AccessLedger) AccessStatus(ctx context.Context, account common.Address) (x402.AccessStatus, error) {
	acct, err := l.store.Account(ctx, account)
	if err != nil {
		return x402.AccessStatus{}, err
	}
	return x402.AccessStatus{
		IsPremium:        l.now().Unix() < acct.PremiumExpiresAt,
		PremiumExpiresAt: acct.PremiumExpiresAt,
		CreditBalance:    acct.CreditBalance,
	}, nil
}

// Events returns recent events, newest first. A nil account returns all.
func (l *AccessLedger) Events(ctx context.Context, account *common.Address, limit int) ([]Event, error) {
	return l.store.Events(ctx, account, limit)
}

func (l *AccessLedger) requireOperator(ctx context.Context, sender common.Address) error {
	if sender == l.owner {
		return nil
	}
	operator, err := l.store.Operator(ctx)
	if err != nil {
		return err
	}
	if sender != operator {
		return ErrNotOperator
	}
	return nil
}

func exact(value, price *big.Int) bool {
	return value != nil && price != nil && value.Cmp(price) == 0
}
