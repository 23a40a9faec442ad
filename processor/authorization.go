// Package processor verifies and settles signed payment authorizations.
//
// A payment authorization is an EIP-712 message
//
//	Payment(address from,uint256 amount,bytes32 nonce,uint256 deadline,string memo)
//
// signed by the payer. Verification is pure; settlement consumes the
// (from, nonce) pair and forwards the companion EIP-3009 token
// authorization to the token, all or nothing.
package processor

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
)

// PrimaryType is the EIP-712 primary type of a payment authorization.
const PrimaryType = "Payment"

// Default EIP-712 domain parameters of the processor contract.
const (
	DomainName    = "PaymentProcessor"
	DomainVersion = "1"
)

// Authorization is the application-level payment authorization.
type Authorization struct {
	From     common.Address
	Amount   *big.Int
	Nonce    [32]byte
	Deadline *big.Int
	Memo     string
}

// TokenAuthorization is the payer's EIP-3009 authorization accompanying a
// settlement. From, To and Value are implied by the payment authorization
// and the processor's receiver.
type TokenAuthorization struct {
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   eip3009.Signature
}

// Transfer expands the token authorization into the full EIP-3009 message
// for a payment of auth.Amount from auth.From to receiver.
func (t TokenAuthorization) Transfer(auth Authorization, receiver common.Address) *eip3009.Authorization {
	return &eip3009.Authorization{
		From:        auth.From,
		To:          receiver,
		Value:       auth.Amount,
		ValidAfter:  t.ValidAfter,
		ValidBefore: t.ValidBefore,
		Nonce:       t.Nonce,
	}
}

// TypedData returns the EIP-712 structure the payer signs.
func TypedData(domain eip712.Domain, auth Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712.DomainType,
			PrimaryType: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "deadline", Type: "uint256"},
				{Name: "memo", Type: "string"},
			},
		},
		PrimaryType: PrimaryType,
		Domain:      domain.TypedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"from":     auth.From.Hex(),
			"amount":   (*math.HexOrDecimal256)(auth.Amount),
			"nonce":    common.BytesToHash(auth.Nonce[:]).Hex(),
			"deadline": (*math.HexOrDecimal256)(auth.Deadline),
			"memo":     auth.Memo,
		},
	}
}

// Sign signs auth under domain.
func Sign(privateKey *ecdsa.PrivateKey, domain eip712.Domain, auth Authorization) ([]byte, error) {
	sig, err := eip712.Sign(privateKey, TypedData(domain, auth))
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment authorization: %w", err)
	}
	return sig, nil
}

// Recover returns the signer of auth.
func Recover(domain eip712.Domain, auth Authorization, sig []byte) (common.Address, error) {
	return eip712.Recover(TypedData(domain, auth), sig)
}

// PaymentID is the key of a PaymentProcessed event:
// keccak256(from ‖ uint256(amount) ‖ nonce).
func PaymentID(from common.Address, amount *big.Int, nonce [32]byte) common.Hash {
	return crypto.Keccak256Hash(
		from.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		nonce[:],
	)
}
