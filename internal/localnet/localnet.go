// Package localnet assembles the whole engine in process: an EIP-3009
// token, the payment processor, the access ledger, the relay and the
// decision engine, all on the local development chain.
package localnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
	"github.com/KartikMantri/pay-per-request-prompt-x402/metrics"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
	"github.com/KartikMantri/pay-per-request-prompt-x402/relay"
	"github.com/KartikMantri/pay-per-request-prompt-x402/token"
)

// ProcessorAddress is the processor's address on the local chain, the
// second contract Anvil's first account deploys.
var ProcessorAddress = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

// Config configures a local network.
type Config struct {
	// Owner deploys the ledger and acts as its operator and the relayer.
	Owner common.Address

	// Receiver is paid by settlements. Defaults to Owner.
	Receiver common.Address

	Pricing x402.PricingTable

	// Store persists the ledger. Defaults to a MemoryStore.
	Store ledger.Store

	// Redemptions and Locker override the engine's in-process defaults.
	Redemptions access.RedemptionStore
	Locker      access.Locker

	// Clock replaces time.Now everywhere.
	Clock func() time.Time

	// RelayOptions and EngineOptions are applied after the defaults.
	RelayOptions  []relay.Option
	EngineOptions []access.Option

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Network is an assembled local engine.
type Network struct {
	Token     *token.Memory
	Processor *processor.Processor
	Ledger    *ledger.AccessLedger
	Operator  *ledger.Session
	Relay     *relay.Relay
	Engine    *access.Engine
}

// New assembles a local network.
func New(ctx context.Context, cfg Config) (*Network, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("localnet: owner address is required")
	}
	if cfg.Receiver == (common.Address{}) {
		cfg.Receiver = cfg.Owner
	}
	if cfg.Pricing.PerCall == nil {
		cfg.Pricing = x402.DefaultPricing()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	chain := x402.LocalChain
	tokenDomain := eip712.Domain{
		Name:              chain.EIP3009Name,
		Version:           chain.EIP3009Version,
		ChainID:           chain.ChainID(),
		VerifyingContract: common.HexToAddress(chain.USDCAddress),
	}
	processorDomain := eip712.Domain{
		Name:              processor.DomainName,
		Version:           processor.DomainVersion,
		ChainID:           chain.ChainID(),
		VerifyingContract: ProcessorAddress,
	}

	tok := token.NewMemory(tokenDomain, token.WithClock(cfg.Clock))
	proc := processor.New(processorDomain, cfg.Receiver, tok,
		processor.WithClock(cfg.Clock),
		processor.WithLogger(cfg.Logger.With("component", "processor")))

	l, err := ledger.New(ctx, cfg.Owner, cfg.Pricing, cfg.Store,
		ledger.WithClock(cfg.Clock),
		ledger.WithLogger(cfg.Logger.With("component", "ledger")))
	if err != nil {
		return nil, fmt.Errorf("localnet: %w", err)
	}
	operator := l.Session(cfg.Owner)

	relayOpts := append([]relay.Option{
		relay.WithClock(cfg.Clock),
		relay.WithMetrics(cfg.Metrics),
		relay.WithLogger(cfg.Logger.With("component", "relay")),
	}, cfg.RelayOptions...)
	r, err := relay.New(relay.Config{
		Network:   chain.Network,
		Processor: processorDomain,
		Token:     tokenDomain,
		Receiver:  cfg.Receiver,
		Relayer:   cfg.Owner,
	}, operator, proc, relay.StaticBalance{Wei: new(big.Int).Set(relay.DefaultMinRelayerBalance)}, relayOpts...)
	if err != nil {
		return nil, fmt.Errorf("localnet: %w", err)
	}

	engineOpts := []access.Option{
		access.WithMetrics(cfg.Metrics),
		access.WithLogger(cfg.Logger.With("component", "access")),
	}
	if cfg.Redemptions != nil {
		engineOpts = append(engineOpts, access.WithRedemptions(cfg.Redemptions))
	}
	if cfg.Locker != nil {
		engineOpts = append(engineOpts, access.WithLocker(cfg.Locker))
	}
	engineOpts = append(engineOpts, cfg.EngineOptions...)
	engine, err := access.NewEngine(operator, operator, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("localnet: %w", err)
	}

	return &Network{
		Token:     tok,
		Processor: proc,
		Ledger:    l,
		Operator:  operator,
		Relay:     r,
		Engine:    engine,
	}, nil
}

// Fund mints amount of the token to account.
func (n *Network) Fund(account common.Address, amount *big.Int) {
	n.Token.Mint(account, amount)
}
