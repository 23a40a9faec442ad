package eip712

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func mailTypedData(contents string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": DomainType,
			"Mail": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain: Domain{
			Name:              "Mailer",
			Version:           "1",
			ChainID:           big.NewInt(1),
			VerifyingContract: common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"),
		}.TypedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"to":       "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
			"contents": contents,
		},
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := Sign(key, mailTypedData("hello"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("v = %d, want 27 or 28", sig[64])
	}

	t.Run("recovers signer", func(t *testing.T) {
		got, err := Recover(mailTypedData("hello"), sig)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if got != want {
			t.Errorf("Recover() = %s, want %s", got.Hex(), want.Hex())
		}
	})

	t.Run("accepts raw recovery id", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		got, err := Recover(mailTypedData("hello"), raw)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if got != want {
			t.Errorf("Recover() = %s, want %s", got.Hex(), want.Hex())
		}
	})

	t.Run("different message recovers different address", func(t *testing.T) {
		got, err := Recover(mailTypedData("goodbye"), sig)
		if err == nil && got == want {
			t.Error("signature should not verify against a different message")
		}
	})

	t.Run("rejects malformed signatures", func(t *testing.T) {
		if _, err := Recover(mailTypedData("hello"), sig[:64]); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("short signature error = %v, want ErrInvalidSignature", err)
		}
		bad := append([]byte(nil), sig...)
		bad[64] = 35
		if _, err := Recover(mailTypedData("hello"), bad); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("bad v error = %v, want ErrInvalidSignature", err)
		}
	})
}
