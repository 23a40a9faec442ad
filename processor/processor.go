package processor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
)

var (
	// ErrInvalidSignature is the revert of a settlement whose verification fails.
	ErrInvalidSignature = errors.New("processor: invalid signature")

	// ErrTokenTransferFailed indicates the token rejected the transfer authorization.
	ErrTokenTransferFailed = errors.New("processor: token transfer failed")
)

// Token is the authorization-transfer entry point of the payment token.
type Token interface {
	TransferWithAuthorization(ctx context.Context, auth *eip3009.Authorization, sig eip3009.Signature) error
}

// Settler verifies and settles payment authorizations. Verify is read-only;
// Settle blocks until the settlement is final.
type Settler interface {
	Verify(ctx context.Context, auth Authorization, sig []byte) (bool, error)
	Settle(ctx context.Context, auth Authorization, sig []byte, tokenAuth TokenAuthorization) (*Receipt, error)
}

// Receipt describes a successful settlement.
type Receipt struct {
	PaymentID   common.Hash
	TxHash      common.Hash
	From        common.Address
	Receiver    common.Address
	Amount      *big.Int
	BlockNumber uint64
}

// PaymentProcessed is emitted once per settled authorization.
type PaymentProcessed struct {
	PaymentID common.Hash
	From      common.Address
	Amount    *big.Int
	Memo      string
	Timestamp int64
}

// Processor is the in-process payment authorization processor. It holds the
// per-signer consumed nonce sets and forwards token authorizations.
type Processor struct {
	mu       sync.Mutex
	domain   eip712.Domain
	receiver common.Address
	token    Token
	used     map[common.Address]map[[32]byte]struct{}
	events   []PaymentProcessed
	now      func() time.Time
	logger   *slog.Logger
}

var _ Settler = (*Processor)(nil)

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a processor that verifies under domain and pays receiver
// through token.
func New(domain eip712.Domain, receiver common.Address, token Token, opts ...Option) *Processor {
	p := &Processor{
		domain:   domain,
		receiver: receiver,
		token:    token,
		used:     make(map[common.Address]map[[32]byte]struct{}),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Domain() eip712.Domain { return p.domain }

func (p *Processor) Receiver() common.Address { return p.receiver }

// Verify reports whether auth is settleable now. It fails closed: a
// consumed nonce, a passed deadline or a signer other than auth.From all
// return false without an error.
func (p *Processor) Verify(_ context.Context, auth Authorization, sig []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifyLocked(auth, sig), nil
}

func (p *Processor) verifyLocked(auth Authorization, sig []byte) bool {
	if auth.Amount == nil || auth.Deadline == nil {
		return false
	}
	if _, ok := p.used[auth.From][auth.Nonce]; ok {
		return false
	}
	if big.NewInt(p.now().Unix()).Cmp(auth.Deadline) > 0 {
		return false
	}
	signer, err := Recover(p.domain, auth, sig)
	if err != nil {
		return false
	}
	return signer == auth.From
}

// Settle re-verifies auth, forwards the token authorization and consumes
// the nonce. If the token transfer fails nothing is consumed, so the same
// signatures may be resubmitted.
func (p *Processor) Settle(ctx context.Context, auth Authorization, sig []byte, tokenAuth TokenAuthorization) (*Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.verifyLocked(auth, sig) {
		return nil, ErrInvalidSignature
	}

	if err := p.token.TransferWithAuthorization(ctx, tokenAuth.Transfer(auth, p.receiver), tokenAuth.Signature); err != nil {
		p.logger.WarnContext(ctx, "token transfer rejected",
			"from", auth.From.Hex(),
			"amount", auth.Amount.String(),
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrTokenTransferFailed, err)
	}

	if p.used[auth.From] == nil {
		p.used[auth.From] = make(map[[32]byte]struct{})
	}
	p.used[auth.From][auth.Nonce] = struct{}{}

	id := PaymentID(auth.From, auth.Amount, auth.Nonce)
	p.events = append(p.events, PaymentProcessed{
		PaymentID: id,
		From:      auth.From,
		Amount:    new(big.Int).Set(auth.Amount),
		Memo:      auth.Memo,
		Timestamp: p.now().Unix(),
	})

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(p.events)))

	p.logger.InfoContext(ctx, "payment processed",
		"paymentId", id.Hex(),
		"from", auth.From.Hex(),
		"amount", auth.Amount.String(),
		"memo", auth.Memo)

	return &Receipt{
		PaymentID:   id,
		TxHash:      crypto.Keccak256Hash(id.Bytes(), seq[:]),
		From:        auth.From,
		Receiver:    p.receiver,
		Amount:      new(big.Int).Set(auth.Amount),
		BlockNumber: uint64(len(p.events)),
	}, nil
}

// IsNonceUsed reports whether nonce has been consumed for from.
func (p *Processor) IsNonceUsed(from common.Address, nonce [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.used[from][nonce]
	return ok
}

// Events returns the PaymentProcessed log.
func (p *Processor) Events() []PaymentProcessed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaymentProcessed(nil), p.events...)
}
