// Package chain talks to the deployed access ledger and payment processor
// contracts over JSON-RPC. The clients satisfy the same interfaces as the
// in-process ledger and processor, so the access engine and the relay run
// unchanged against a real chain.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const ledgerABIJSON = `[
  {"type":"function","name":"getAccessStatus","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"isPremium","type":"bool"},{"name":"premiumExpiresAt","type":"uint256"},{"name":"creditBalance","type":"uint256"}]},
  {"type":"function","name":"isCallIdentifierUsed","stateMutability":"view",
   "inputs":[{"name":"callId","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getPricing","stateMutability":"view","inputs":[],
   "outputs":[{"name":"perCall","type":"uint256"},{"name":"premium7Days","type":"uint256"},{"name":"premium30Days","type":"uint256"},{"name":"creditPack","type":"uint256"},{"name":"creditsPerPack","type":"uint256"}]},
  {"type":"function","name":"consumeCredits","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordPerCall","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"callId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordTierPurchase","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"days","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordCreditPurchase","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"packs","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"grantPremium","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"days","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"grantCredits","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"credits","type":"uint256"}],"outputs":[]},
  {"type":"error","name":"IncorrectAmount","inputs":[]},
  {"type":"error","name":"AlreadyUsed","inputs":[]},
  {"type":"error","name":"InsufficientCredits","inputs":[]},
  {"type":"error","name":"InvalidDuration","inputs":[]},
  {"type":"error","name":"InvalidPackCount","inputs":[]},
  {"type":"error","name":"NotOwner","inputs":[]},
  {"type":"error","name":"NotOperator","inputs":[]},
  {"type":"error","name":"WithdrawFailed","inputs":[]}
]`

const processorABIJSON = `[
  {"type":"function","name":"verify","stateMutability":"view",
   "inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"deadline","type":"uint256"},{"name":"memo","type":"string"},{"name":"signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"settle","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"deadline","type":"uint256"},{"name":"memo","type":"string"},{"name":"signature","type":"bytes"},
             {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"tokenNonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
   "outputs":[]},
  {"type":"event","name":"PaymentProcessed","anonymous":false,
   "inputs":[{"name":"paymentId","type":"bytes32","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"memo","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"error","name":"InvalidSignature","inputs":[]},
  {"type":"error","name":"NonceUsed","inputs":[]},
  {"type":"error","name":"DeadlineExpired","inputs":[]},
  {"type":"error","name":"TransferFailed","inputs":[]}
]`

var (
	// LedgerABI is the access ledger contract interface.
	LedgerABI = mustParseABI(ledgerABIJSON)

	// ProcessorABI is the payment processor contract interface.
	ProcessorABI = mustParseABI(processorABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
