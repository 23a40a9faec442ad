package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Signer answers payment challenges on behalf of one wallet.
type Signer interface {
	// Address returns the wallet address.
	Address() common.Address

	// Network returns the CAIP-2 network identifier (e.g., "eip155:8453").
	Network() string

	// SignChallenge signs both authorizations a challenge describes and
	// returns the settlement request to post to the relay.
	SignChallenge(challenge *Challenge) (*SettlementRequest, error)

	// ProveOwnership signs a freshly timestamped wallet-ownership message.
	ProveOwnership(message string) (*WalletProof, error)

	// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
	GetMaxAmount() *big.Int
}

// WalletProof is a personal_sign proof that the caller controls Address.
type WalletProof struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}
