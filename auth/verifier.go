// Package auth proves wallet control for requests that carry no payment.
//
// A wallet proof is an EIP-191 personal_sign signature over a freeform
// message that contains the signing timestamp. It attaches an identity to
// premium and credit requests; it proves control of a wallet, not payment.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Proof freshness limits.
const (
	DefaultMaxAge = 5 * time.Minute
	DefaultSkew   = 30 * time.Second
)

var (
	ErrMalformedProof   = errors.New("auth: malformed wallet proof")
	ErrProofExpired     = errors.New("auth: wallet proof expired")
	ErrProofInFuture    = errors.New("auth: wallet proof timestamp is in the future")
	ErrTimestampMissing = errors.New("auth: wallet proof message does not contain its timestamp")
	ErrInvalidSignature = errors.New("auth: invalid wallet signature")
	ErrAddressMismatch  = errors.New("auth: recovered address does not match claimed address")
)

// Verifier checks wallet proofs.
type Verifier struct {
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Verifier)

// WithMaxAge overrides the five minute proof window.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// WithClockSkew sets how far in the future a timestamp may be.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		maxAge: DefaultMaxAge,
		skew:   DefaultSkew,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the proven address. The proof is rejected if it is older
// than the window, dated in the future beyond the skew, signed over a
// message that does not contain its timestamp, or signed by another key.
func (v *Verifier) Verify(p x402.WalletProof) (common.Address, error) {
	if !common.IsHexAddress(p.Address) || p.Message == "" || p.Signature == "" || p.Timestamp <= 0 {
		return common.Address{}, ErrMalformedProof
	}
	claimed := common.HexToAddress(p.Address)

	signedAt := time.Unix(p.Timestamp, 0)
	now := v.now()
	if age := now.Sub(signedAt); age > v.maxAge {
		return common.Address{}, fmt.Errorf("%w: signed %s ago", ErrProofExpired, age.Truncate(time.Second))
	}
	if signedAt.Sub(now) > v.skew {
		return common.Address{}, ErrProofInFuture
	}
	if !strings.Contains(p.Message, strconv.FormatInt(p.Timestamp, 10)) {
		return common.Address{}, ErrTimestampMissing
	}

	recovered, err := RecoverAddress(p.Message, p.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != claimed {
		v.logger.Warn("wallet proof signer mismatch",
			"claimed", claimed.Hex(),
			"recovered", recovered.Hex())
		return common.Address{}, ErrAddressMismatch
	}
	return recovered, nil
}

// RecoverAddress recovers the personal_sign signer of message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ProofMessage is the message a client signs at time at.
func ProofMessage(address common.Address, at time.Time) string {
	return fmt.Sprintf("Prove ownership of %s for x402 access at %d", address.Hex(), at.Unix())
}

// SignProof signs message with personal_sign. The message must contain
// the decimal unix timestamp at.
func SignProof(key *ecdsa.PrivateKey, message string, at time.Time) (x402.WalletProof, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return x402.WalletProof{}, fmt.Errorf("failed to sign wallet proof: %w", err)
	}
	sig[64] += 27

	return x402.WalletProof{
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   message,
		Signature: hexutil.Encode(sig),
		Timestamp: at.Unix(),
	}, nil
}
