package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// LedgerClient reads and, as the operator, writes the access ledger
// contract.
type LedgerClient struct {
	address  common.Address
	contract boundContract
	sender   *sender
	costs    map[string]uint64
	logger   *slog.Logger

	mu      sync.Mutex
	pricing *x402.PricingTable
}

// NewLedgerClient binds the ledger contract at address.
func NewLedgerClient(address common.Address, backend Backend, opts ...Option) *LedgerClient {
	contract := bind.NewBoundContract(address, LedgerABI, backend, backend, backend)
	return newLedgerClient(address, contract, backend, opts...)
}

func newLedgerClient(address common.Address, contract boundContract, backend bind.DeployBackend, opts ...Option) *LedgerClient {
	o := buildOptions(opts)
	costs := o.costs
	if costs == nil {
		costs = x402.DefaultPricing().OperationCosts
	}
	return &LedgerClient{
		address:  address,
		contract: contract,
		sender:   &sender{contract: contract, backend: backend, transactor: o.transactor},
		costs:    costs,
		logger:   o.logger,
	}
}

// Address returns the contract address.
func (c *LedgerClient) Address() common.Address { return c.address }

func (c *LedgerClient) call(ctx context.Context, method string, want int, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, c.wrap(method, err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrUnexpectedOutput, method, len(out))
	}
	return out, nil
}

// wrap turns a contract revert into its ledger sentinel and anything else
// into a transient ledger failure.
func (c *LedgerClient) wrap(method string, err error) error {
	if sentinel := decodeLedgerRevert(err); sentinel != nil {
		return fmt.Errorf("%s: %w", method, sentinel)
	}
	if errors.Is(err, ErrReverted) || errors.Is(err, ErrReadOnly) {
		return fmt.Errorf("%s: %w", method, err)
	}
	return fmt.Errorf("%w: %s: %w", x402.ErrLedgerUnavailable, method, err)
}

// AccessStatus returns the account's access-status view.
func (c *LedgerClient) AccessStatus(ctx context.Context, account common.Address) (x402.AccessStatus, error) {
	out, err := c.call(ctx, "getAccessStatus", 3, account)
	if err != nil {
		return x402.AccessStatus{}, err
	}
	premium, ok1 := out[0].(bool)
	expires, ok2 := out[1].(*big.Int)
	credits, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return x402.AccessStatus{}, fmt.Errorf("%w: getAccessStatus", ErrUnexpectedOutput)
	}
	return x402.AccessStatus{
		IsPremium:        premium,
		PremiumExpiresAt: expires.Int64(),
		CreditBalance:    credits.Uint64(),
	}, nil
}

// IsCallIDUsed reports whether the call identifier is in the replay set.
func (c *LedgerClient) IsCallIDUsed(ctx context.Context, callID x402.CallID) (bool, error) {
	out, err := c.call(ctx, "isCallIdentifierUsed", 1, [32]byte(callID))
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: isCallIdentifierUsed", ErrUnexpectedOutput)
	}
	return used, nil
}

// Pricing returns the contract's prices with the configured operation
// costs. Prices are immutable, so the first successful read is cached.
func (c *LedgerClient) Pricing(ctx context.Context) (x402.PricingTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricing != nil {
		return *c.pricing, nil
	}

	out, err := c.call(ctx, "getPricing", 5)
	if err != nil {
		return x402.PricingTable{}, err
	}
	prices := make([]*big.Int, len(out))
	for i, v := range out {
		p, ok := v.(*big.Int)
		if !ok {
			return x402.PricingTable{}, fmt.Errorf("%w: getPricing", ErrUnexpectedOutput)
		}
		prices[i] = p
	}
	pricing := x402.PricingTable{
		PerCall:        prices[0],
		Premium7Days:   prices[1],
		Premium30Days:  prices[2],
		CreditPack:     prices[3],
		CreditsPerPack: prices[4].Uint64(),
		OperationCosts: c.costs,
	}
	if err := pricing.Validate(); err != nil {
		return x402.PricingTable{}, err
	}
	c.pricing = &pricing
	return pricing, nil
}

func (c *LedgerClient) write(ctx context.Context, method string, params ...interface{}) error {
	receipt, err := c.sender.send(ctx, method, params...)
	if err != nil {
		return c.wrap(method, err)
	}
	c.logger.InfoContext(ctx, "ledger transaction mined",
		"method", method,
		"transaction", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber)
	return nil
}

// ConsumeCredits debits credits from account.
func (c *LedgerClient) ConsumeCredits(ctx context.Context, account common.Address, amount uint64) error {
	return c.write(ctx, "consumeCredits", account, u256(amount))
}

// RecordPerCall records a settled per-call payment.
func (c *LedgerClient) RecordPerCall(ctx context.Context, account common.Address, callID x402.CallID, amount *big.Int) error {
	return c.write(ctx, "recordPerCall", account, [32]byte(callID), amount)
}

// RecordTierPurchase records a settled premium purchase of days days.
func (c *LedgerClient) RecordTierPurchase(ctx context.Context, account common.Address, days uint64, amount *big.Int) error {
	return c.write(ctx, "recordTierPurchase", account, u256(days), amount)
}

// RecordCreditPurchase records a settled purchase of packs credit packs.
func (c *LedgerClient) RecordCreditPurchase(ctx context.Context, account common.Address, packs uint64, amount *big.Int) error {
	return c.write(ctx, "recordCreditPurchase", account, u256(packs), amount)
}

// GrantPremium extends account's premium access by days.
func (c *LedgerClient) GrantPremium(ctx context.Context, account common.Address, days uint64) error {
	return c.write(ctx, "grantPremium", account, u256(days))
}

// GrantCredits adds credits to account.
func (c *LedgerClient) GrantCredits(ctx context.Context, account common.Address, credits uint64) error {
	return c.write(ctx, "grantCredits", account, u256(credits))
}
