// Package redisstore backs the access engine's redemption set and account
// locks with Redis, so several server instances share them.
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

const (
	DefaultPrefix  = "x402:"
	DefaultLockTTL = 30 * time.Second

	lockRetryDelay = 25 * time.Millisecond
)

// ErrLockTimeout is returned when an account lock is not acquired before
// the context is done.
var ErrLockTimeout = errors.New("redisstore: lock not acquired")

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Redemptions is a RedemptionStore on SET NX. Redeemed identifiers never
// expire since the ledger's used set is permanent too.
type Redemptions struct {
	client redis.Cmdable
	prefix string
}

func NewRedemptions(client redis.Cmdable, prefix string) *Redemptions {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redemptions{client: client, prefix: prefix}
}

func (r *Redemptions) key(callID x402.CallID) string {
	return r.prefix + "redeemed:" + callID.Hex()
}

func (r *Redemptions) Redeem(ctx context.Context, callID x402.CallID) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(callID), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to redeem %s: %w", callID.Hex(), err)
	}
	return ok, nil
}

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a per-account Locker on SET NX PX. A holder that dies releases
// the lock after ttl.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithLogger sets the logger for lock release failures.
func WithLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a locker whose locks expire after ttl.
func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration, opts ...LockerOption) *Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l := &Locker{client: client, prefix: prefix, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(account common.Address) string {
	return l.prefix + "lock:" + strings.ToLower(account.Hex())
}

// Lock polls until the account lock is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, account common.Address) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	key := l.key(account)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", account.Hex(), err)
		}
		if ok {
			return func() {
				// The request context may already be done.
				if err := unlockScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
					l.logger.Warn("account lock release failed, held until ttl",
						"account", account.Hex(),
						"ttl", l.ttl,
						"error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
