package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/metrics"
	"github.com/KartikMantri/pay-per-request-prompt-x402/retry"
)

// Ledger read schedule: three attempts with a fixed backoff.
const (
	DefaultReadAttempts = 3
	DefaultReadBackoff  = 200 * time.Millisecond
)

// ErrAlreadyRedeemed is returned when a paid per-call identifier has
// already been spent on an operation.
var ErrAlreadyRedeemed = errors.New("access: call identifier already redeemed")

// LedgerReader is the read side of the access ledger.
type LedgerReader interface {
	AccessStatus(ctx context.Context, account common.Address) (x402.AccessStatus, error)
	IsCallIDUsed(ctx context.Context, callID x402.CallID) (bool, error)
	Pricing(ctx context.Context) (x402.PricingTable, error)
}

// CreditSpender debits credits as the ledger operator.
type CreditSpender interface {
	ConsumeCredits(ctx context.Context, account common.Address, amount uint64) error
}

// RedemptionStore records which paid per-call identifiers have been served.
// Redeem reports true the first time it sees callID and false afterwards.
type RedemptionStore interface {
	Redeem(ctx context.Context, callID x402.CallID) (bool, error)
}

// Locker serializes evaluation and debit per account.
type Locker interface {
	Lock(ctx context.Context, account common.Address) (unlock func(), err error)
}

// Request is one access check.
type Request struct {
	Caller common.Address

	// CallID is the per-call identifier, zero when the caller sent none.
	CallID x402.CallID

	// Operation names the requested operation for credit cost lookup.
	Operation string
}

// Result is the outcome of Evaluate.
type Result struct {
	Request  Request
	Decision Decision

	// Cost is the credit cost of the operation.
	Cost uint64

	// Pricing is the pricing table the decision was made against. Denied
	// callers build their challenge from it.
	Pricing x402.PricingTable

	// Err is set when the ledger could not be read. The request is denied
	// the same way as one without access.
	Err error
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool { return r.Decision.Allowed }

// Engine is the access decision engine.
type Engine struct {
	reader      LedgerReader
	spender     CreditSpender
	redemptions RedemptionStore
	locker      Locker
	readRetry   retry.Config
	readTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	pricingMu sync.Mutex
	pricing   *x402.PricingTable
}

// Option configures an Engine.
type Option func(*Engine) error

// NewEngine creates an engine that reads through reader and debits through
// spender.
func NewEngine(reader LedgerReader, spender CreditSpender, opts ...Option) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("access: ledger reader is required")
	}
	if spender == nil {
		return nil, errors.New("access: credit spender is required")
	}

	e := &Engine{
		reader:      reader,
		spender:     spender,
		redemptions: NewMemoryRedemptions(),
		readRetry:   retry.Fixed(DefaultReadAttempts, DefaultReadBackoff),
		readTimeout: x402.DefaultTimeouts.LedgerReadTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// WithRedemptions replaces the in-memory redemption store.
func WithRedemptions(store RedemptionStore) Option {
	return func(e *Engine) error {
		if store == nil {
			return errors.New("access: redemption store cannot be nil")
		}
		e.redemptions = store
		return nil
	}
}

// WithLocker serializes Evaluate and Grant per account. Without a locker two
// concurrent requests from one account may both see enough credits before
// either debit lands.
func WithLocker(locker Locker) Option {
	return func(e *Engine) error {
		e.locker = locker
		return nil
	}
}

// WithReadRetry sets the ledger read retry schedule.
func WithReadRetry(cfg retry.Config) Option {
	return func(e *Engine) error {
		if cfg.MaxAttempts < 1 {
			return fmt.Errorf("access: read attempts must be at least 1, got %d", cfg.MaxAttempts)
		}
		e.readRetry = cfg
		return nil
	}
}

// WithReadTimeout bounds each ledger read attempt.
func WithReadTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("access: read timeout must be positive, got %v", d)
		}
		e.readTimeout = d
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// Pricing returns the ledger's pricing table. The table is constant for the
// ledger's lifetime, so the first successful read is cached.
func (e *Engine) Pricing(ctx context.Context) (x402.PricingTable, error) {
	e.pricingMu.Lock()
	defer e.pricingMu.Unlock()
	if e.pricing != nil {
		return *e.pricing, nil
	}

	p, err := read(ctx, e, e.reader.Pricing)
	if err != nil {
		return x402.PricingTable{}, err
	}
	e.pricing = &p
	return p, nil
}

// Status returns account's access status, with the same retries as a
// decision read.
func (e *Engine) Status(ctx context.Context, account common.Address) (x402.AccessStatus, error) {
	return read(ctx, e, func(ctx context.Context) (x402.AccessStatus, error) {
		return e.reader.AccessStatus(ctx, account)
	})
}

// Evaluate reads one snapshot of the caller's ledger state and decides.
// Read failures are retried; if they persist the result is a denial with
// Err set.
func (e *Engine) Evaluate(ctx context.Context, req Request) Result {
	logger := e.logger.With("caller", req.Caller.Hex(), "operation", req.Operation)
	if !req.CallID.IsZero() {
		logger = logger.With("callId", req.CallID.Hex())
	}

	res := Result{Request: req}
	pricing, err := e.Pricing(ctx)
	if err != nil {
		return e.failed(ctx, logger, res, err)
	}
	res.Pricing = pricing
	res.Cost = pricing.CreditCost(req.Operation)

	snap, err := e.snapshot(ctx, req)
	if err != nil {
		return e.failed(ctx, logger, res, err)
	}

	res.Decision = Decide(snap, res.Cost)
	if !res.Decision.Allowed {
		logger.InfoContext(ctx, "access denied",
			"creditBalance", snap.Status.CreditBalance,
			"cost", res.Cost)
		e.metrics.ObserveDecision("", metrics.OutcomeDeny)
		return res
	}

	logger.DebugContext(ctx, "access allowed", "tier", res.Decision.Tier, "debit", res.Decision.Debit)
	return res
}

func (e *Engine) snapshot(ctx context.Context, req Request) (Snapshot, error) {
	snap := Snapshot{Account: req.Caller, CallID: req.CallID}

	status, err := read(ctx, e, func(ctx context.Context) (x402.AccessStatus, error) {
		return e.reader.AccessStatus(ctx, req.Caller)
	})
	if err != nil {
		return snap, err
	}
	snap.Status = status

	if !req.CallID.IsZero() {
		used, err := read(ctx, e, func(ctx context.Context) (bool, error) {
			return e.reader.IsCallIDUsed(ctx, req.CallID)
		})
		if err != nil {
			return snap, err
		}
		snap.CallIDUsed = used
	}
	return snap, nil
}

func (e *Engine) failed(ctx context.Context, logger *slog.Logger, res Result, err error) Result {
	if !errors.Is(err, x402.ErrLedgerUnavailable) {
		err = fmt.Errorf("%w: %w", x402.ErrLedgerUnavailable, err)
	}
	res.Err = err
	res.Decision = Decision{}
	logger.WarnContext(ctx, "access check failed", "error", err)
	e.metrics.ObserveDecision("", metrics.OutcomeError)
	return res
}

// read runs one ledger read under the engine's retry schedule, bounding
// each attempt by the read timeout.
func read[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	return retry.WithRetry(ctx, e.readRetry,
		func(error) bool { return ctx.Err() == nil },
		func() (T, error) {
			attempt++
			if attempt > 1 {
				e.metrics.ObserveLedgerRetry()
			}
			attemptCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
			defer cancel()
			return fn(attemptCtx)
		})
}

// Grant performs the side effect of an allowed result right before the
// operation is served: it debits credits or redeems the per-call
// identifier. A failure of the operation afterwards does not refund.
func (e *Engine) Grant(ctx context.Context, res Result) error {
	if !res.Allowed() {
		return x402.ErrPaymentRequired
	}
	req := res.Request

	switch res.Decision.Tier {
	case x402.TierCredits:
		if res.Decision.Debit == 0 {
			break
		}
		if err := e.spender.ConsumeCredits(ctx, req.Caller, res.Decision.Debit); err != nil {
			e.logger.WarnContext(ctx, "credit debit failed",
				"caller", req.Caller.Hex(),
				"amount", res.Decision.Debit,
				"error", err)
			return fmt.Errorf("failed to debit credits: %w", err)
		}
	case x402.TierPerCall:
		first, err := e.redemptions.Redeem(ctx, req.CallID)
		if err != nil {
			return fmt.Errorf("failed to redeem call identifier: %w", err)
		}
		if !first {
			e.logger.InfoContext(ctx, "call identifier replayed",
				"caller", req.Caller.Hex(),
				"callId", req.CallID.Hex())
			return ErrAlreadyRedeemed
		}
	}

	e.logger.InfoContext(ctx, "access granted",
		"caller", req.Caller.Hex(),
		"tier", res.Decision.Tier,
		"debit", res.Decision.Debit)
	e.metrics.ObserveDecision(string(res.Decision.Tier), metrics.OutcomeAllow)
	return nil
}

// EvaluateLocked evaluates req while holding the caller's account lock and
// returns the result with the function that releases it. A caller that
// grants later, after the operation succeeds, must hold the lock until
// Grant returns. release is never nil.
func (e *Engine) EvaluateLocked(ctx context.Context, req Request) (Result, func(), error) {
	release, err := e.lock(ctx, req.Caller)
	if err != nil {
		return Result{Request: req}, func() {}, err
	}
	return e.Evaluate(ctx, req), release, nil
}

func (e *Engine) lock(ctx context.Context, caller common.Address) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	unlock, err := e.locker.Lock(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrLedgerUnavailable, err)
	}
	return unlock, nil
}

// Authorize evaluates req and, if allowed, grants it. A denied request
// returns the result together with an error wrapping x402.ErrPaymentRequired.
func (e *Engine) Authorize(ctx context.Context, req Request) (Result, error) {
	res, release, err := e.EvaluateLocked(ctx, req)
	defer release()
	if err != nil {
		return res, err
	}

	if !res.Allowed() {
		if res.Err != nil {
			return res, fmt.Errorf("%w: %w", x402.ErrPaymentRequired, res.Err)
		}
		return res, x402.ErrPaymentRequired
	}
	if err := e.Grant(ctx, res); err != nil {
		res.Decision = Decision{}
		if !errors.Is(err, ErrAlreadyRedeemed) {
			res.Err = err
		}
		return res, fmt.Errorf("%w: %w", x402.ErrPaymentRequired, err)
	}
	return res, nil
}

// Serve authorizes req and then runs fn with the resolved tier.
func (e *Engine) Serve(ctx context.Context, req Request, fn func(ctx context.Context, tier x402.Tier) error) (Result, error) {
	res, err := e.Authorize(ctx, req)
	if err != nil {
		return res, err
	}
	return res, fn(ctx, res.Decision.Tier)
}
