package eip3009

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var testDomain = eip712.Domain{
	Name:              "USDC",
	Version:           "2",
	ChainID:           big.NewInt(84532),
	VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
}

func fixedAuthorization(from common.Address) *Authorization {
	return &Authorization{
		From:        from,
		To:          common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Value:       big.NewInt(10000),
		ValidAfter:  big.NewInt(1000),
		ValidBefore: big.NewInt(2000),
		Nonce:       [32]byte{1, 2, 3, 4},
	}
}

func TestGenerateNonce(t *testing.T) {
	t.Run("generates unique nonces", func(t *testing.T) {
		nonces := make(map[string]bool)
		for i := 0; i < 100; i++ {
			nonce, err := GenerateNonce()
			if err != nil {
				t.Fatalf("Failed to generate nonce: %v", err)
			}
			key := hex.EncodeToString(nonce[:])
			if nonces[key] {
				t.Errorf("Duplicate nonce generated: %s", key)
			}
			nonces[key] = true
		}
	})

	t.Run("derived nonces are stable per seed", func(t *testing.T) {
		a := DeriveNonce([]byte("request-1"))
		b := DeriveNonce([]byte("request-1"))
		c := DeriveNonce([]byte("request-2"))
		if a != b {
			t.Error("same seed should derive the same nonce")
		}
		if a == c {
			t.Error("different seeds should derive different nonces")
		}
	})
}

func TestCreateAuthorization(t *testing.T) {
	from := common.HexToAddress(testAddress)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	before := time.Now().Unix()
	auth, err := CreateAuthorization(from, to, big.NewInt(10000), 300)
	if err != nil {
		t.Fatalf("Failed to create authorization: %v", err)
	}
	after := time.Now().Unix()

	if auth.From != from || auth.To != to {
		t.Errorf("unexpected parties %s -> %s", auth.From.Hex(), auth.To.Hex())
	}
	if v := auth.ValidAfter.Int64(); v < before-11 || v > after-9 {
		t.Errorf("ValidAfter %d not in expected range", v)
	}
	if v := auth.ValidBefore.Int64(); v < before+299 || v > after+301 {
		t.Errorf("ValidBefore %d not in expected range", v)
	}
}

func TestSignAuthorization(t *testing.T) {
	privateKey, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	from := crypto.PubkeyToAddress(privateKey.PublicKey)

	t.Run("recovers the signer", func(t *testing.T) {
		auth := fixedAuthorization(from)
		sig, err := SignAuthorization(privateKey, testDomain, auth)
		if err != nil {
			t.Fatalf("Failed to sign authorization: %v", err)
		}
		if sig.V != 27 && sig.V != 28 {
			t.Errorf("Expected v to be 27 or 28, got %d", sig.V)
		}

		signer, err := RecoverSigner(testDomain, auth, sig)
		if err != nil {
			t.Fatalf("RecoverSigner() error = %v", err)
		}
		if signer != from {
			t.Errorf("RecoverSigner() = %s, want %s", signer.Hex(), from.Hex())
		}
	})

	t.Run("signatures are deterministic for same input", func(t *testing.T) {
		auth := fixedAuthorization(from)
		sig1, _ := SignAuthorization(privateKey, testDomain, auth)
		sig2, _ := SignAuthorization(privateKey, testDomain, auth)
		if sig1 != sig2 {
			t.Error("Same input should produce same signature")
		}
	})

	t.Run("tampered fields recover a different signer", func(t *testing.T) {
		auth := fixedAuthorization(from)
		sig, err := SignAuthorization(privateKey, testDomain, auth)
		if err != nil {
			t.Fatalf("Failed to sign authorization: %v", err)
		}

		tampered := *auth
		tampered.Value = big.NewInt(20000)
		signer, err := RecoverSigner(testDomain, &tampered, sig)
		if err == nil && signer == from {
			t.Error("changing the value should break recovery")
		}

		otherChain := testDomain
		otherChain.ChainID = big.NewInt(1)
		signer, err = RecoverSigner(otherChain, auth, sig)
		if err == nil && signer == from {
			t.Error("changing the chain id should break recovery")
		}
	})
}

func TestSignatureEncoding(t *testing.T) {
	privateKey, _ := crypto.HexToECDSA(testPrivateKey)
	sig, err := SignAuthorization(privateKey, testDomain, fixedAuthorization(crypto.PubkeyToAddress(privateKey.PublicKey)))
	if err != nil {
		t.Fatalf("Failed to sign authorization: %v", err)
	}

	encoded := sig.Hex()
	if !strings.HasPrefix(encoded, "0x") || len(encoded) != 132 {
		t.Fatalf("unexpected hex encoding %q", encoded)
	}

	parsed, err := ParseSignature(encoded)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if parsed != sig {
		t.Error("ParseSignature(Hex()) should round trip")
	}

	lowV := sig.Bytes()
	lowV[64] -= 27
	split, err := SplitSignature(lowV)
	if err != nil {
		t.Fatalf("SplitSignature() error = %v", err)
	}
	if split.V != sig.V {
		t.Errorf("SplitSignature() V = %d, want %d", split.V, sig.V)
	}

	if _, err := SplitSignature(bytes.Repeat([]byte{1}, 64)); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("SplitSignature(64 bytes) error = %v, want ErrMalformedSignature", err)
	}
	if _, err := ParseSignature("0xzz"); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("ParseSignature(bad hex) error = %v, want ErrMalformedSignature", err)
	}
}
