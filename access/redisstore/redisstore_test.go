package redisstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

var alice = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

// newTestClient connects to REDIS_ADDR and isolates the test under a
// unique prefix.
func newTestClient(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	prefix := "x402-test:" + time.Now().Format("150405.000000000") + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return client, prefix
}

func TestRedemptions(t *testing.T) {
	client, prefix := newTestClient(t)
	r := NewRedemptions(client, prefix)
	ctx := context.Background()

	id, err := x402.RandomCallID(alice)
	if err != nil {
		t.Fatalf("RandomCallID() error = %v", err)
	}
	if first, err := r.Redeem(ctx, id); err != nil || !first {
		t.Fatalf("first Redeem() = %v, %v", first, err)
	}
	if first, err := r.Redeem(ctx, id); err != nil || first {
		t.Errorf("second Redeem() = %v, %v", first, err)
	}
}

func TestLocker(t *testing.T) {
	client, prefix := newTestClient(t)
	l := NewLocker(client, prefix, time.Second)

	unlock, err := l.Lock(context.Background(), alice)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, alice); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Lock() while held error = %v, want ErrLockTimeout", err)
	}

	unlock()
	again, err := l.Lock(context.Background(), alice)
	if err != nil {
		t.Fatalf("Lock() after unlock error = %v", err)
	}
	again()
}

// brokenUnlock grants every lock and fails every script call.
type brokenUnlock struct {
	redis.UniversalClient
}

func (brokenUnlock) SetNX(context.Context, string, interface{}, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (brokenUnlock) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("connection reset"))
}

func (brokenUnlock) EvalShaRO(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("connection reset"))
}

func TestLockerLogsFailedRelease(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := NewLocker(brokenUnlock{}, "x402-test:", time.Second, WithLogger(logger))

	unlock, err := l.Lock(context.Background(), alice)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	unlock()

	out := buf.String()
	if !strings.Contains(out, "account lock release failed") || !strings.Contains(out, "connection reset") {
		t.Errorf("log = %q, want release failure with cause", out)
	}
	if !strings.Contains(out, alice.Hex()) {
		t.Errorf("log = %q, want account %s", out, alice.Hex())
	}
}

func TestNewClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := NewClient(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Error("NewClient() to a closed port succeeded")
	}
}
