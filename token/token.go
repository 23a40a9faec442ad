// Package token provides an in-process EIP-3009 token. It backs local mode
// and the end-to-end tests; on a real chain the USDC contract plays this role.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
)

var (
	ErrAuthorizationUsed        = errors.New("token: authorization is used or canceled")
	ErrAuthorizationNotYetValid = errors.New("token: authorization is not yet valid")
	ErrAuthorizationExpired     = errors.New("token: authorization is expired")
	ErrInvalidSignature         = errors.New("token: invalid signature")
	ErrInsufficientBalance      = errors.New("token: transfer amount exceeds balance")
)

// Memory is an in-process EIP-3009 token ledger.
type Memory struct {
	mu       sync.Mutex
	domain   eip712.Domain
	balances map[common.Address]*big.Int
	used     map[common.Address]map[[32]byte]struct{}
	now      func() time.Time
}

type Option func(*Memory)

// WithClock replaces time.Now for validity window checks.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a token whose EIP-712 domain is domain.
func NewMemory(domain eip712.Domain, opts ...Option) *Memory {
	m := &Memory{
		domain:   domain,
		balances: make(map[common.Address]*big.Int),
		used:     make(map[common.Address]map[[32]byte]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Address() common.Address { return m.domain.VerifyingContract }

func (m *Memory) Domain() eip712.Domain { return m.domain }

// Mint credits amount to to.
func (m *Memory) Mint(to common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceLocked(to).Add(m.balanceLocked(to), amount)
}

func (m *Memory) BalanceOf(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(addr))
}

// AuthorizationState reports whether nonce has been used by authorizer.
func (m *Memory) AuthorizationState(authorizer common.Address, nonce [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[authorizer][nonce]
	return ok
}

// TransferWithAuthorization moves auth.Value from auth.From to auth.To if
// the holder's signature is valid, the window [validAfter, validBefore) is
// open and the nonce is unused. Nothing changes on failure.
func (m *Memory) TransferWithAuthorization(_ context.Context, auth *eip3009.Authorization, sig eip3009.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := big.NewInt(m.now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return ErrAuthorizationNotYetValid
	}
	if now.Cmp(auth.ValidBefore) >= 0 {
		return ErrAuthorizationExpired
	}
	if _, ok := m.used[auth.From][auth.Nonce]; ok {
		return ErrAuthorizationUsed
	}

	signer, err := eip3009.RecoverSigner(m.domain, auth, sig)
	if err != nil || signer != auth.From {
		return ErrInvalidSignature
	}

	from := m.balanceLocked(auth.From)
	if from.Cmp(auth.Value) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, from, auth.Value)
	}

	if m.used[auth.From] == nil {
		m.used[auth.From] = make(map[[32]byte]struct{})
	}
	m.used[auth.From][auth.Nonce] = struct{}{}
	from.Sub(from, auth.Value)
	to := m.balanceLocked(auth.To)
	to.Add(to, auth.Value)
	return nil
}

func (m *Memory) balanceLocked(addr common.Address) *big.Int {
	b, ok := m.balances[addr]
	if !ok {
		b = new(big.Int)
		m.balances[addr] = b
	}
	return b
}
