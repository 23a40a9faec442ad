package access

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// MemoryRedemptions is an in-process RedemptionStore.
type MemoryRedemptions struct {
	mu   sync.Mutex
	seen map[x402.CallID]struct{}
}

func NewMemoryRedemptions() *MemoryRedemptions {
	return &MemoryRedemptions{seen: make(map[x402.CallID]struct{})}
}

func (m *MemoryRedemptions) Redeem(_ context.Context, callID x402.CallID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[callID]; ok {
		return false, nil
	}
	m.seen[callID] = struct{}{}
	return true, nil
}

// KeyedMutex is an in-process Locker with one mutex per account.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[common.Address]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[common.Address]*keyedLock)}
}

// Lock blocks until account's lock is held or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, account common.Address) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[account]
	if !ok {
		l = &keyedLock{}
		k.locks[account] = l
	}
	l.refs++
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { k.release(account, l) }, nil
	case <-ctx.Done():
		// The goroutine still takes the lock; hand it straight back.
		go func() {
			<-acquired
			k.release(account, l)
		}()
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(account common.Address, l *keyedLock) {
	l.mu.Unlock()
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, account)
	}
	k.mu.Unlock()
}
