// Package relay builds payment challenges and settles signed payments
// through a gas-paying relayer.
//
// Settlement runs in stages: parse the request, check the exact price,
// check the relayer's gas floor, call the processor's read-only verify, then
// submit the settlement and wait for it to be mined. Only after the payment
// is final is the purchase recorded on the ledger.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
	"github.com/KartikMantri/pay-per-request-prompt-x402/metrics"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
)

const (
	// DefaultChallengeTTL is how long a challenge's payment deadline lasts.
	DefaultChallengeTTL = time.Hour

	// tokenValidAfterSlack backdates the token window so a freshly signed
	// authorization is valid in the next block.
	tokenValidAfterSlack = 10
)

// DefaultMinRelayerBalance is the gas floor, 0.001 ether.
var DefaultMinRelayerBalance = big.NewInt(1_000_000_000_000_000)

// Ledger is what the relay needs from the access ledger: prices, the
// per-call replay set, and the operator writes that fulfil a purchase.
type Ledger interface {
	Pricing(ctx context.Context) (x402.PricingTable, error)
	IsCallIDUsed(ctx context.Context, callID x402.CallID) (bool, error)
	RecordPerCall(ctx context.Context, account common.Address, callID x402.CallID, amount *big.Int) error
	RecordTierPurchase(ctx context.Context, account common.Address, days uint64, amount *big.Int) error
	RecordCreditPurchase(ctx context.Context, account common.Address, packs uint64, amount *big.Int) error
}

// BalanceReader reports the native balance of an account.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// StaticBalance is a BalanceReader with a fixed balance, for local mode
// where no gas is spent.
type StaticBalance struct {
	Wei *big.Int
}

func (s StaticBalance) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	if s.Wei == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.Wei), nil
}

// Config identifies the contracts and accounts the relay works with.
type Config struct {
	// Network is the CAIP-2 network of the processor and token.
	Network string

	// Processor is the EIP-712 domain of the payment processor.
	Processor eip712.Domain

	// Token is the EIP-712 domain of the EIP-3009 token.
	Token eip712.Domain

	// Receiver is the address settlements pay.
	Receiver common.Address

	// Relayer is the gas-paying account.
	Relayer common.Address
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if err := x402.ValidateNetwork(c.Network); err != nil {
		return err
	}
	chainID, err := x402.GetChainID(c.Network)
	if err != nil {
		return err
	}
	for name, d := range map[string]eip712.Domain{"processor": c.Processor, "token": c.Token} {
		if d.ChainID == nil || d.ChainID.Int64() != chainID {
			return fmt.Errorf("relay: %s domain chain id %v does not match network %s", name, d.ChainID, c.Network)
		}
		if d.VerifyingContract == (common.Address{}) {
			return fmt.Errorf("relay: %s address is required", name)
		}
		if d.Name == "" || d.Version == "" {
			return fmt.Errorf("relay: %s domain name and version are required", name)
		}
	}
	if c.Receiver == (common.Address{}) {
		return errors.New("relay: receiver address is required")
	}
	return nil
}

// Relay is the payment relay.
type Relay struct {
	cfg        Config
	ledger     Ledger
	settler    processor.Settler
	balance    BalanceReader
	minBalance *big.Int
	ttl        time.Duration
	timeouts   x402.TimeoutConfig
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// OnPaymentAttempt is called before a settlement is submitted.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called after a settlement is mined and fulfilled.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a settlement attempt fails.
	OnPaymentFailure x402.PaymentCallback
}

// Option configures a Relay.
type Option func(*Relay) error

// New creates a relay.
func New(cfg Config, ledger Ledger, settler processor.Settler, balance BalanceReader, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || settler == nil || balance == nil {
		return nil, errors.New("relay: ledger, settler and balance reader are required")
	}

	r := &Relay{
		cfg:        cfg,
		ledger:     ledger,
		settler:    settler,
		balance:    balance,
		minBalance: new(big.Int).Set(DefaultMinRelayerBalance),
		ttl:        DefaultChallengeTTL,
		timeouts:   x402.DefaultTimeouts,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WithMinRelayerBalance sets the gas floor below which settlements are refused.
func WithMinRelayerBalance(wei *big.Int) Option {
	return func(r *Relay) error {
		if wei == nil || wei.Sign() < 0 {
			return fmt.Errorf("relay: invalid relayer balance floor %v", wei)
		}
		r.minBalance = new(big.Int).Set(wei)
		return nil
	}
}

// WithChallengeTTL sets how far in the future challenge deadlines are.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(r *Relay) error {
		if ttl < time.Minute {
			return fmt.Errorf("relay: challenge ttl must be at least a minute, got %v", ttl)
		}
		r.ttl = ttl
		return nil
	}
}

// WithTimeouts sets the verify and settle timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) Option {
	return func(r *Relay) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		r.timeouts = timeouts
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) error {
		r.now = now
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithPaymentCallback sets a callback for one payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) Option {
	return func(r *Relay) error {
		switch eventType {
		case x402.PaymentEventAttempt:
			r.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			r.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			r.OnPaymentFailure = callback
		default:
			return fmt.Errorf("relay: unknown payment event type %q", eventType)
		}
		return nil
	}
}

// Config returns the relay configuration.
func (r *Relay) Config() Config { return r.cfg }

// Pricing returns the ledger's pricing table.
func (r *Relay) Pricing(ctx context.Context) (x402.PricingTable, error) {
	return r.ledger.Pricing(ctx)
}

func (r *Relay) emit(cb x402.PaymentCallback, event x402.PaymentEvent) {
	if cb == nil {
		return
	}
	event.Timestamp = r.now()
	event.Method = "RELAY"
	event.Network = r.cfg.Network
	cb(event)
}
