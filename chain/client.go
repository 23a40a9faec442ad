package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the JSON-RPC surface the clients use. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return client, nil
}

// NewTransactor returns signing options for the relayer key.
func NewTransactor(key *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	return opts, nil
}

// boundContract is the part of *bind.BoundContract the clients call.
type boundContract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// Option configures a LedgerClient or ProcessorClient.
type Option func(*options)

type options struct {
	transactor *bind.TransactOpts
	logger     *slog.Logger
	costs      map[string]uint64
}

// WithTransactor enables writes, signed by opts.
func WithTransactor(opts *bind.TransactOpts) Option {
	return func(o *options) {
		o.transactor = opts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOperationCosts sets the per-operation credit costs, which are not
// stored on chain.
func WithOperationCosts(costs map[string]uint64) Option {
	return func(o *options) {
		o.costs = costs
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sender submits transactions from one account and waits for them.
// Submissions are serialized so pending nonces are not reused.
type sender struct {
	mu         sync.Mutex
	contract   boundContract
	backend    bind.DeployBackend
	transactor *bind.TransactOpts
}

func (s *sender) send(ctx context.Context, method string, params ...interface{}) (*types.Receipt, error) {
	if s.transactor == nil {
		return nil, ErrReadOnly
	}

	s.mu.Lock()
	opts := *s.transactor
	opts.Context = ctx
	tx, err := s.contract.Transact(&opts, method, params...)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s transaction %s", ErrReverted, method, tx.Hash().Hex())
	}
	return receipt, nil
}

func u256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
