package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
)

// ProcessorClient verifies payment authorizations with the processor's
// view function and settles them with relayer-signed transactions.
type ProcessorClient struct {
	address  common.Address
	receiver common.Address
	contract boundContract
	sender   *sender
	logger   *slog.Logger
}

var _ processor.Settler = (*ProcessorClient)(nil)

// NewProcessorClient binds the processor contract at address. receiver is
// the address the contract pays.
func NewProcessorClient(address, receiver common.Address, backend Backend, opts ...Option) *ProcessorClient {
	contract := bind.NewBoundContract(address, ProcessorABI, backend, backend, backend)
	return newProcessorClient(address, receiver, contract, backend, opts...)
}

func newProcessorClient(address, receiver common.Address, contract boundContract, backend bind.DeployBackend, opts ...Option) *ProcessorClient {
	o := buildOptions(opts)
	return &ProcessorClient{
		address:  address,
		receiver: receiver,
		contract: contract,
		sender:   &sender{contract: contract, backend: backend, transactor: o.transactor},
		logger:   o.logger,
	}
}

// Verify calls the processor's read-only verify. A contract revert is a
// failed verification, not an error.
func (c *ProcessorClient) Verify(ctx context.Context, auth processor.Authorization, sig []byte) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "verify",
		auth.From, auth.Amount, auth.Nonce, auth.Deadline, auth.Memo, sig)
	if err != nil {
		if sentinel := decodeProcessorRevert(err); sentinel != nil {
			c.logger.DebugContext(ctx, "verify reverted", "from", auth.From.Hex(), "error", sentinel)
			return false, nil
		}
		return false, fmt.Errorf("%w: verify: %w", x402.ErrNetworkError, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: verify returned %d values", ErrUnexpectedOutput, len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%w: verify", ErrUnexpectedOutput)
	}
	return ok, nil
}

// Settle submits the settlement and blocks until it is mined.
func (c *ProcessorClient) Settle(ctx context.Context, auth processor.Authorization, sig []byte, tokenAuth processor.TokenAuthorization) (*processor.Receipt, error) {
	ts := tokenAuth.Signature
	receipt, err := c.sender.send(ctx, "settle",
		auth.From, auth.Amount, auth.Nonce, auth.Deadline, auth.Memo, sig,
		tokenAuth.ValidAfter, tokenAuth.ValidBefore, tokenAuth.Nonce, ts.V, ts.R, ts.S)
	if err != nil {
		if sentinel := decodeProcessorRevert(err); sentinel != nil {
			return nil, fmt.Errorf("settle: %w", sentinel)
		}
		if errors.Is(err, ErrReadOnly) {
			return nil, err
		}
		if errors.Is(err, ErrReverted) {
			// A mined revert carries no data; verify passed, so the token refused.
			return nil, fmt.Errorf("%w: %w", processor.ErrTokenTransferFailed, err)
		}
		return nil, fmt.Errorf("%w: settle: %w", x402.ErrNetworkError, err)
	}

	id, ok := paymentIDFromLogs(c.address, receipt.Logs)
	if !ok {
		id = processor.PaymentID(auth.From, auth.Amount, auth.Nonce)
	}
	c.logger.InfoContext(ctx, "settlement mined",
		"transaction", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber,
		"paymentId", id.Hex(),
		"gasUsed", receipt.GasUsed)

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &processor.Receipt{
		PaymentID:   id,
		TxHash:      receipt.TxHash,
		From:        auth.From,
		Receiver:    c.receiver,
		Amount:      new(big.Int).Set(auth.Amount),
		BlockNumber: block,
	}, nil
}

func paymentIDFromLogs(contract common.Address, logs []*types.Log) (common.Hash, bool) {
	topic := ProcessorABI.Events["PaymentProcessed"].ID
	for _, l := range logs {
		if l.Address == contract && len(l.Topics) > 1 && l.Topics[0] == topic {
			return l.Topics[1], true
		}
	}
	return common.Hash{}, false
}

// RelayerWallet reads native balances for the relay's gas floor.
type RelayerWallet struct {
	backend interface {
		BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	}
}

// NewRelayerWallet returns a balance reader over backend.
func NewRelayerWallet(backend Backend) *RelayerWallet {
	return &RelayerWallet{backend: backend}
}

// BalanceAt returns the latest balance of account.
func (w *RelayerWallet) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := w.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %w", x402.ErrNetworkError, account.Hex(), err)
	}
	return balance, nil
}
