package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testSecret     = "0123456789abcdef0123456789abcdef"
)

// proofFields are the wire fields of a proof, mutated per case.
type proofFields struct {
	addr, msg, sig string
	ts             int64
}

func TestVerify(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKey)
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(WithClock(func() time.Time { return now }))

	sign := func(at time.Time) string {
		p, err := SignProof(key, ProofMessage(common.HexToAddress(testAddress), at), at)
		if err != nil {
			t.Fatalf("SignProof() error = %v", err)
		}
		return p.Signature
	}

	t.Run("fresh proof", func(t *testing.T) {
		p, _ := SignProof(key, ProofMessage(common.HexToAddress(testAddress), now), now)
		got, err := v.Verify(p)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if got != common.HexToAddress(testAddress) {
			t.Errorf("Verify() = %s", got.Hex())
		}
	})

	t.Run("lowercase claimed address", func(t *testing.T) {
		p, _ := SignProof(key, ProofMessage(common.HexToAddress(testAddress), now), now)
		p.Address = strings.ToLower(p.Address)
		if _, err := v.Verify(p); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})

	tests := []struct {
		name    string
		at      time.Time
		mutate  func(*proofFields)
		wantErr error
	}{
		{
			name:    "exactly five minutes old",
			at:      now.Add(-5 * time.Minute),
			wantErr: nil,
		},
		{
			name:    "older than five minutes",
			at:      now.Add(-5*time.Minute - time.Second),
			wantErr: ErrProofExpired,
		},
		{
			name:    "within clock skew",
			at:      now.Add(20 * time.Second),
			wantErr: nil,
		},
		{
			name:    "beyond clock skew",
			at:      now.Add(time.Minute),
			wantErr: ErrProofInFuture,
		},
		{
			name: "timestamp not in message",
			at:   now,
			mutate: func(p *proofFields) {
				p.ts = now.Unix() - 1
			},
			wantErr: ErrTimestampMissing,
		},
		{
			name: "claimed address of another wallet",
			at:   now,
			mutate: func(p *proofFields) {
				p.addr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
			},
			wantErr: ErrAddressMismatch,
		},
		{
			name: "message altered after signing",
			at:   now,
			mutate: func(p *proofFields) {
				p.msg += "!"
			},
			wantErr: ErrAddressMismatch,
		},
		{
			name: "garbage signature",
			at:   now,
			mutate: func(p *proofFields) {
				p.sig = "0xdeadbeef"
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "bad address",
			at:   now,
			mutate: func(p *proofFields) {
				p.addr = "not-an-address"
			},
			wantErr: ErrMalformedProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := proofFields{
				addr: testAddress,
				msg:  ProofMessage(common.HexToAddress(testAddress), tt.at),
				sig:  sign(tt.at),
				ts:   tt.at.Unix(),
			}
			if tt.mutate != nil {
				tt.mutate(&fields)
			}

			p, _ := SignProof(key, fields.msg, tt.at)
			p.Address = fields.addr
			p.Signature = fields.sig
			p.Timestamp = fields.ts

			_, err := v.Verify(p)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Verify() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecoverAddressAcceptsBothRecoveryForms(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKey)
	now := time.Unix(1_700_000_000, 0)
	p, _ := SignProof(key, "hello "+ProofMessage(common.HexToAddress(testAddress), now), now)

	got, err := RecoverAddress(p.Message, p.Signature)
	if err != nil || got != common.HexToAddress(testAddress) {
		t.Fatalf("RecoverAddress(v=27/28) = %s, %v", got.Hex(), err)
	}

	raw := []byte(p.Signature)
	// Rewrite the trailing V byte from 1b/1c to 00/01.
	switch string(raw[len(raw)-2:]) {
	case "1b":
		copy(raw[len(raw)-2:], "00")
	case "1c":
		copy(raw[len(raw)-2:], "01")
	}
	got, err = RecoverAddress(p.Message, string(raw))
	if err != nil || got != common.HexToAddress(testAddress) {
		t.Errorf("RecoverAddress(v=0/1) = %s, %v", got.Hex(), err)
	}
}

func TestSessionIssuer(t *testing.T) {
	if _, err := NewSessionIssuer("short", time.Minute); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewSessionIssuer(short) error = %v", err)
	}

	s, err := NewSessionIssuer(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewSessionIssuer() error = %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	addr := common.HexToAddress(testAddress)
	token, expires, err := s.Issue(addr)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !expires.Equal(now.Add(time.Minute)) {
		t.Errorf("expires = %v", expires)
	}

	got, err := s.Validate(token)
	if err != nil || got != addr {
		t.Errorf("Validate() = %s, %v", got.Hex(), err)
	}

	t.Run("expired", func(t *testing.T) {
		s.now = func() time.Time { return now.Add(2 * time.Minute) }
		defer func() { s.now = func() time.Time { return now } }()
		if _, err := s.Validate(token); !errors.Is(err, ErrSessionExpired) {
			t.Errorf("Validate() error = %v, want ErrSessionExpired", err)
		}
	})

	t.Run("other secret", func(t *testing.T) {
		other, _ := NewSessionIssuer(strings.Repeat("x", 32), time.Minute)
		other.now = s.now
		if _, err := other.Validate(token); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Validate() error = %v, want ErrInvalidSession", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := s.Validate("a.b.c"); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Validate() error = %v", err)
		}
	})
}
