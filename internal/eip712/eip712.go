// Package eip712 hashes, signs and recovers EIP-712 typed data.
package eip712

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrInvalidSignature is returned when a signature cannot be decoded or recovered.
var ErrInvalidSignature = errors.New("eip712: invalid signature")

// DomainType is the EIP712Domain schema shared by every structure in this module.
var DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is the signing domain: a contract on a chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TypedDataDomain converts d into the apitypes representation.
func (d Domain) TypedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Digest returns keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(message)).
func Digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Sign signs the typed data digest. The returned signature is 65 bytes
// with V in the Ethereum {27, 28} form.
func Sign(privateKey *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	digest, err := Digest(td)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign typed data: %w", err)
	}

	signature[64] += 27
	return signature, nil
}

// Recover returns the address that produced sig over the typed data.
// Both {0, 1} and {27, 28} recovery ids are accepted.
func Recover(td apitypes.TypedData, sig []byte) (common.Address, error) {
	digest, err := Digest(td)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverDigest(digest, sig)
}

// RecoverDigest recovers the signer of a 32-byte digest.
func RecoverDigest(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
