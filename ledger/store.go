package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Account is the tier state of one wallet. The zero value is an account
// that never purchased anything.
type Account struct {
	Address          common.Address
	PremiumExpiresAt int64
	CreditBalance    uint64
}

// Mutation is one atomic ledger state change.
type Mutation struct {
	// Account is the new state of an account, if it changed.
	Account *Account

	// UseCallID adds a call identifier to the replay set, paid by Account.
	UseCallID *x402.CallID

	// BalanceDelta is added to the collected balance. Negative on withdraw.
	BalanceDelta *big.Int

	// Operator replaces the operator identity.
	Operator *common.Address

	// Event is appended to the event log. The store assigns Seq.
	Event Event
}

// Store persists ledger state. Apply must be atomic: either every part of
// the mutation is visible afterwards or none is. Apply returns
// ErrAlreadyUsed if UseCallID is already in the replay set.
type Store interface {
	Account(ctx context.Context, addr common.Address) (Account, error)
	IsCallIDUsed(ctx context.Context, id x402.CallID) (bool, error)
	Balance(ctx context.Context) (*big.Int, error)
	Operator(ctx context.Context) (common.Address, error)
	Events(ctx context.Context, account *common.Address, limit int) ([]Event, error)
	Apply(ctx context.Context, m Mutation) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[common.Address]Account
	used     map[x402.CallID]common.Address
	balance  *big.Int
	operator common.Address
	events   []Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[common.Address]Account),
		used:     make(map[x402.CallID]common.Address),
		balance:  new(big.Int),
	}
}

func (s *MemoryStore) Account(_ context.Context, addr common.Address) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[addr]
	if !ok {
		return Account{Address: addr}, nil
	}
	return acct, nil
}

func (s *MemoryStore) IsCallIDUsed(_ context.Context, id x402.CallID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.used[id]
	return ok, nil
}

func (s *MemoryStore) Balance(context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.balance), nil
}

func (s *MemoryStore) Operator(context.Context) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operator, nil
}

// Events returns events newest first, optionally for one account.
func (s *MemoryStore) Events(_ context.Context, account *common.Address, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if account != nil && s.events[i].Account != *account {
			continue
		}
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.UseCallID != nil {
		if _, ok := s.used[*m.UseCallID]; ok {
			return ErrAlreadyUsed
		}
	}

	if m.Account != nil {
		s.accounts[m.Account.Address] = *m.Account
	}
	if m.UseCallID != nil {
		s.used[*m.UseCallID] = m.Event.Account
	}
	if m.BalanceDelta != nil {
		s.balance.Add(s.balance, m.BalanceDelta)
	}
	if m.Operator != nil {
		s.operator = *m.Operator
	}

	ev := m.Event
	ev.Seq = uint64(len(s.events)) + 1
	s.events = append(s.events, ev)
	return nil
}
