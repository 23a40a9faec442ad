package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
	"github.com/KartikMantri/pay-per-request-prompt-x402/token"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	ledgerAddr    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	processorAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	account       = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// revertError is what the RPC client returns for a reverted call.
type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorData() interface{} { return e.data }

func customError(contract abi.ABI, name string) error {
	return revertError{data: hexutil.Encode(contract.Errors[name].ID[:4])}
}

func reasonError(t *testing.T, reason string) error {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return revertError{data: hexutil.Encode(append(selector, packed...))}
}

type sent struct {
	method string
	params []interface{}
}

type fakeContract struct {
	calls     map[string]func(params []interface{}) ([]interface{}, error)
	transacts []sent
	txErr     error
}

func (f *fakeContract) Call(_ *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error {
	fn, ok := f.calls[method]
	if !ok {
		return errors.New("no such method")
	}
	out, err := fn(params)
	if err != nil {
		return err
	}
	*results = out
	return nil
}

func (f *fakeContract) Transact(_ *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	f.transacts = append(f.transacts, sent{method: method, params: params})
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(f.transacts))}), nil
}

type fakeBackend struct {
	status uint64
	logs   []*types.Log
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      b.status,
		TxHash:      hash,
		BlockNumber: big.NewInt(42),
		Logs:        b.logs,
	}, nil
}

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (b *fakeBackend) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return big.NewInt(7), nil
}

func transactor(t *testing.T) *bind.TransactOpts {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	opts, err := NewTransactor(key, big.NewInt(31337))
	if err != nil {
		t.Fatal(err)
	}
	return opts
}

func TestLedgerClientReads(t *testing.T) {
	ctx := context.Background()
	pricingCalls := 0
	contract := &fakeContract{calls: map[string]func([]interface{}) ([]interface{}, error){
		"getAccessStatus": func(p []interface{}) ([]interface{}, error) {
			if p[0] != account {
				t.Errorf("getAccessStatus(%v)", p[0])
			}
			return []interface{}{true, big.NewInt(1_700_000_000), big.NewInt(250)}, nil
		},
		"isCallIdentifierUsed": func(p []interface{}) ([]interface{}, error) {
			return []interface{}{p[0].([32]byte)[0] == 1}, nil
		},
		"getPricing": func([]interface{}) ([]interface{}, error) {
			pricingCalls++
			d := x402.DefaultPricing()
			return []interface{}{d.PerCall, d.Premium7Days, d.Premium30Days, d.CreditPack, big.NewInt(100)}, nil
		},
	}}
	c := newLedgerClient(ledgerAddr, contract, &fakeBackend{}, WithOperationCosts(map[string]uint64{"generate": 2}))

	status, err := c.AccessStatus(ctx, account)
	if err != nil {
		t.Fatalf("AccessStatus() error = %v", err)
	}
	if !status.IsPremium || status.PremiumExpiresAt != 1_700_000_000 || status.CreditBalance != 250 {
		t.Errorf("AccessStatus() = %+v", status)
	}

	if used, err := c.IsCallIDUsed(ctx, x402.CallID{1}); err != nil || !used {
		t.Errorf("IsCallIDUsed(1) = %v, %v", used, err)
	}
	if used, err := c.IsCallIDUsed(ctx, x402.CallID{2}); err != nil || used {
		t.Errorf("IsCallIDUsed(2) = %v, %v", used, err)
	}

	for i := 0; i < 2; i++ {
		pricing, err := c.Pricing(ctx)
		if err != nil {
			t.Fatalf("Pricing() error = %v", err)
		}
		if pricing.CreditsPerPack != 100 || pricing.CreditCost("generate") != 2 {
			t.Errorf("Pricing() = %+v", pricing)
		}
	}
	if pricingCalls != 1 {
		t.Errorf("getPricing called %d times, want 1", pricingCalls)
	}
}

func TestLedgerClientErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		callErr error
		wantErr error
	}{
		{"transport failure is transient", errors.New("connection refused"), x402.ErrLedgerUnavailable},
		{"custom error decoded", customError(LedgerABI, "NotOperator"), ledger.ErrNotOperator},
		{"unknown reason", reasonError(t, "paused"), ErrReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract := &fakeContract{calls: map[string]func([]interface{}) ([]interface{}, error){
				"getAccessStatus": func([]interface{}) ([]interface{}, error) { return nil, tt.callErr },
			}}
			c := newLedgerClient(ledgerAddr, contract, &fakeBackend{})
			if _, err := c.AccessStatus(ctx, account); !errors.Is(err, tt.wantErr) {
				t.Errorf("AccessStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("wrong output shape", func(t *testing.T) {
		contract := &fakeContract{calls: map[string]func([]interface{}) ([]interface{}, error){
			"getAccessStatus": func([]interface{}) ([]interface{}, error) { return []interface{}{true}, nil },
		}}
		c := newLedgerClient(ledgerAddr, contract, &fakeBackend{})
		if _, err := c.AccessStatus(ctx, account); !errors.Is(err, ErrUnexpectedOutput) {
			t.Errorf("AccessStatus() error = %v", err)
		}
	})
}

func TestLedgerClientWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("read only", func(t *testing.T) {
		c := newLedgerClient(ledgerAddr, &fakeContract{}, &fakeBackend{status: types.ReceiptStatusSuccessful})
		if err := c.GrantPremium(ctx, account, 7); !errors.Is(err, ErrReadOnly) {
			t.Errorf("GrantPremium() error = %v", err)
		}
	})

	t.Run("operator writes", func(t *testing.T) {
		contract := &fakeContract{}
		c := newLedgerClient(ledgerAddr, contract, &fakeBackend{status: types.ReceiptStatusSuccessful}, WithTransactor(transactor(t)))
		id := x402.CallID{9}
		if err := c.RecordPerCall(ctx, account, id, big.NewInt(10_000)); err != nil {
			t.Fatalf("RecordPerCall() error = %v", err)
		}
		if err := c.GrantCredits(ctx, account, 200); err != nil {
			t.Fatalf("GrantCredits() error = %v", err)
		}
		if err := c.ConsumeCredits(ctx, account, 3); err != nil {
			t.Fatalf("ConsumeCredits() error = %v", err)
		}
		want := []string{"recordPerCall", "grantCredits", "consumeCredits"}
		if len(contract.transacts) != len(want) {
			t.Fatalf("sent %d transactions", len(contract.transacts))
		}
		for i, m := range want {
			if contract.transacts[i].method != m {
				t.Errorf("transaction %d = %s, want %s", i, contract.transacts[i].method, m)
			}
		}
		if contract.transacts[0].params[1] != [32]byte(id) {
			t.Errorf("recordPerCall call id = %v", contract.transacts[0].params[1])
		}
		if contract.transacts[2].params[1].(*big.Int).Uint64() != 3 {
			t.Errorf("consumeCredits amount = %v", contract.transacts[2].params[1])
		}
	})

	t.Run("relayed purchases", func(t *testing.T) {
		contract := &fakeContract{}
		c := newLedgerClient(ledgerAddr, contract, &fakeBackend{status: types.ReceiptStatusSuccessful}, WithTransactor(transactor(t)))
		if err := c.RecordTierPurchase(ctx, account, 30, big.NewInt(250_000)); err != nil {
			t.Fatalf("RecordTierPurchase() error = %v", err)
		}
		if err := c.RecordCreditPurchase(ctx, account, 2, big.NewInt(80_000)); err != nil {
			t.Fatalf("RecordCreditPurchase() error = %v", err)
		}
		if len(contract.transacts) != 2 {
			t.Fatalf("sent %d transactions", len(contract.transacts))
		}
		tier, credits := contract.transacts[0], contract.transacts[1]
		if tier.method != "recordTierPurchase" || tier.params[1].(*big.Int).Uint64() != 30 || tier.params[2].(*big.Int).Int64() != 250_000 {
			t.Errorf("tier purchase = %s %v", tier.method, tier.params)
		}
		if credits.method != "recordCreditPurchase" || credits.params[1].(*big.Int).Uint64() != 2 || credits.params[2].(*big.Int).Int64() != 80_000 {
			t.Errorf("credit purchase = %s %v", credits.method, credits.params)
		}
		if _, err := LedgerABI.Pack(tier.method, tier.params...); err != nil {
			t.Errorf("pack recordTierPurchase: %v", err)
		}
		if _, err := LedgerABI.Pack(credits.method, credits.params...); err != nil {
			t.Errorf("pack recordCreditPurchase: %v", err)
		}
	})

	t.Run("estimate revert decoded", func(t *testing.T) {
		contract := &fakeContract{txErr: customError(LedgerABI, "InsufficientCredits")}
		c := newLedgerClient(ledgerAddr, contract, &fakeBackend{}, WithTransactor(transactor(t)))
		if err := c.ConsumeCredits(ctx, account, 5); !errors.Is(err, ledger.ErrInsufficientCredits) {
			t.Errorf("ConsumeCredits() error = %v", err)
		}
	})

	t.Run("mined revert", func(t *testing.T) {
		c := newLedgerClient(ledgerAddr, &fakeContract{}, &fakeBackend{status: types.ReceiptStatusFailed}, WithTransactor(transactor(t)))
		err := c.GrantCredits(ctx, account, 1)
		if !errors.Is(err, ErrReverted) || errors.Is(err, x402.ErrLedgerUnavailable) {
			t.Errorf("GrantCredits() error = %v", err)
		}
	})
}

func testAuthorization() (processor.Authorization, processor.TokenAuthorization) {
	return processor.Authorization{
			From:     account,
			Amount:   big.NewInt(10_000),
			Nonce:    [32]byte{1},
			Deadline: big.NewInt(1_700_003_600),
			Memo:     "premium:7",
		}, processor.TokenAuthorization{
			ValidAfter:  big.NewInt(1_699_999_990),
			ValidBefore: big.NewInt(1_700_003_600),
			Nonce:       [32]byte{2},
		}
}

func TestProcessorClientVerify(t *testing.T) {
	ctx := context.Background()
	auth, _ := testAuthorization()
	tests := []struct {
		name    string
		result  []interface{}
		callErr error
		want    bool
		wantErr error
	}{
		{name: "valid", result: []interface{}{true}, want: true},
		{name: "invalid", result: []interface{}{false}, want: false},
		{name: "revert is a failed verification", callErr: customError(ProcessorABI, "NonceUsed"), want: false},
		{name: "transport failure", callErr: errors.New("timeout"), wantErr: x402.ErrNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract := &fakeContract{calls: map[string]func([]interface{}) ([]interface{}, error){
				"verify": func(p []interface{}) ([]interface{}, error) {
					if len(p) != 6 || p[4] != "premium:7" {
						t.Errorf("verify params = %v", p)
					}
					return tt.result, tt.callErr
				},
			}}
			c := newProcessorClient(processorAddr, account, contract, &fakeBackend{})
			got, err := c.Verify(ctx, auth, make([]byte, 65))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessorClientSettle(t *testing.T) {
	ctx := context.Background()
	auth, tokenAuth := testAuthorization()
	paymentID := common.HexToHash("0xabc")
	logs := []*types.Log{{
		Address: processorAddr,
		Topics:  []common.Hash{ProcessorABI.Events["PaymentProcessed"].ID, paymentID, common.BytesToHash(account.Bytes())},
	}}

	t.Run("mined", func(t *testing.T) {
		contract := &fakeContract{}
		c := newProcessorClient(processorAddr, account, contract, &fakeBackend{status: types.ReceiptStatusSuccessful, logs: logs}, WithTransactor(transactor(t)))
		receipt, err := c.Settle(ctx, auth, make([]byte, 65), tokenAuth)
		if err != nil {
			t.Fatalf("Settle() error = %v", err)
		}
		if receipt.PaymentID != paymentID || receipt.BlockNumber != 42 || receipt.Amount.Cmp(auth.Amount) != 0 {
			t.Errorf("receipt = %+v", receipt)
		}
		if len(contract.transacts) != 1 || len(contract.transacts[0].params) != 12 {
			t.Errorf("transactions = %+v", contract.transacts)
		}
	})

	t.Run("payment id falls back to the derived id", func(t *testing.T) {
		c := newProcessorClient(processorAddr, account, &fakeContract{}, &fakeBackend{status: types.ReceiptStatusSuccessful}, WithTransactor(transactor(t)))
		receipt, err := c.Settle(ctx, auth, make([]byte, 65), tokenAuth)
		if err != nil {
			t.Fatalf("Settle() error = %v", err)
		}
		if receipt.PaymentID != processor.PaymentID(auth.From, auth.Amount, auth.Nonce) {
			t.Errorf("PaymentID = %s", receipt.PaymentID.Hex())
		}
	})

	errTests := []struct {
		name    string
		txErr   error
		status  uint64
		wantErr error
	}{
		{"signature revert", customError(ProcessorABI, "InvalidSignature"), 0, processor.ErrInvalidSignature},
		{"token balance revert", reasonError(t, "ERC20: transfer amount exceeds balance"), 0, token.ErrInsufficientBalance},
		{"mined revert", nil, types.ReceiptStatusFailed, processor.ErrTokenTransferFailed},
		{"transport failure", errors.New("connection reset"), 0, x402.ErrNetworkError},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			c := newProcessorClient(processorAddr, account, &fakeContract{txErr: tt.txErr}, &fakeBackend{status: tt.status}, WithTransactor(transactor(t)))
			if _, err := c.Settle(ctx, auth, make([]byte, 65), tokenAuth); !errors.Is(err, tt.wantErr) {
				t.Errorf("Settle() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRelayerWallet(t *testing.T) {
	w := &RelayerWallet{backend: &fakeBackend{}}
	balance, err := w.BalanceAt(context.Background(), account)
	if err != nil || balance.Int64() != 7 {
		t.Errorf("BalanceAt() = %v, %v", balance, err)
	}
}
