package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
	"github.com/KartikMantri/pay-per-request-prompt-x402/token"
)

var (
	// ErrReverted indicates a transaction or call reverted for a reason
	// with no matching sentinel.
	ErrReverted = errors.New("chain: execution reverted")

	// ErrReadOnly indicates a write on a client built without a transactor.
	ErrReadOnly = errors.New("chain: client has no transactor")

	// ErrUnexpectedOutput indicates call output that does not match the ABI.
	ErrUnexpectedOutput = errors.New("chain: unexpected call output")
)

var processorErrors = map[string]error{
	"InvalidSignature": processor.ErrInvalidSignature,
	"NonceUsed":        processor.ErrInvalidSignature,
	"DeadlineExpired":  processor.ErrInvalidSignature,
	"TransferFailed":   processor.ErrTokenTransferFailed,
}

// decodeRevert maps the revert data carried by err to a sentinel. It
// returns nil when err carries no revert data, which means the failure was
// in transport rather than execution.
func decodeRevert(contract abi.ABI, known map[string]error, err error) error {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	var data []byte
	switch d := de.ErrorData().(type) {
	case string:
		raw, derr := hexutil.Decode(d)
		if derr != nil {
			return fmt.Errorf("%w: %s", ErrReverted, de.Error())
		}
		data = raw
	case []byte:
		data = d
	default:
		return fmt.Errorf("%w: %s", ErrReverted, de.Error())
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: %s", ErrReverted, de.Error())
	}

	for name, e := range contract.Errors {
		if !bytes.Equal(e.ID[:4], data[:4]) {
			continue
		}
		if sentinel, ok := known[name]; ok {
			return sentinel
		}
		return fmt.Errorf("%w: %s", ErrReverted, name)
	}

	reason, uerr := abi.UnpackRevert(data)
	if uerr != nil {
		return fmt.Errorf("%w: unknown selector %x", ErrReverted, data[:4])
	}
	// A token revert bubbles up through the processor as Error(string).
	if strings.Contains(reason, "exceeds balance") {
		return fmt.Errorf("%w: %w: %s", processor.ErrTokenTransferFailed, token.ErrInsufficientBalance, reason)
	}
	return fmt.Errorf("%w: %s", ErrReverted, reason)
}

func decodeLedgerRevert(err error) error {
	return decodeRevert(LedgerABI, ledger.ErrorByName, err)
}

func decodeProcessorRevert(err error) error {
	return decodeRevert(ProcessorABI, processorErrors, err)
}
