// Package eip3009 builds, signs and verifies EIP-3009 transferWithAuthorization
// messages for the payment token.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
)

// PrimaryType is the EIP-712 primary type of a token transfer authorization.
const PrimaryType = "TransferWithAuthorization"

var ErrMalformedSignature = errors.New("eip3009: malformed signature")

type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Signature is the split (v, r, s) form the token contract takes.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

func CreateAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + int64(timeoutSeconds)),
		Nonce:       nonce,
	}, nil
}

func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// DeriveNonce derives a token nonce from a seed. The token keeps its own
// nonce namespace, so the seed is domain-separated from payment nonces.
func DeriveNonce(seed []byte) [32]byte {
	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte("eip3009-transfer"), seed))
	return nonce
}

// TypedData returns the EIP-712 structure a holder signs for auth.
func TypedData(domain eip712.Domain, auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712.DomainType,
			PrimaryType: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: PrimaryType,
		Domain:      domain.TypedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

func SignAuthorization(privateKey *ecdsa.PrivateKey, domain eip712.Domain, auth *Authorization) (Signature, error) {
	sig, err := eip712.Sign(privateKey, TypedData(domain, auth))
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign authorization: %w", err)
	}
	return SplitSignature(sig)
}

// RecoverSigner returns the address that signed auth under domain.
func RecoverSigner(domain eip712.Domain, auth *Authorization, sig Signature) (common.Address, error) {
	return eip712.Recover(TypedData(domain, auth), sig.Bytes())
}

// SplitSignature splits a 65-byte r ‖ s ‖ v signature.
func SplitSignature(sig []byte) (Signature, error) {
	if len(sig) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("%w: expected 65 bytes, got %d", ErrMalformedSignature, len(sig))
	}
	var s Signature
	copy(s.R[:], sig[:32])
	copy(s.S[:], sig[32:64])
	s.V = sig[64]
	if s.V < 27 {
		s.V += 27
	}
	return s, nil
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) (Signature, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return SplitSignature(raw)
}

// Bytes joins the signature back into r ‖ s ‖ v.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, crypto.SignatureLength)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// Hex returns the 0x-prefixed joined signature.
func (s Signature) Hex() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}
