package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tekupdk/actionguard/observe"
	"github.com/tekupdk/actionguard/resilience"
)

// Action identifies one side-effecting request.
type Action struct {
	OwnerID        any
	ActionType     string
	ConversationID any
	InstanceID     any

	// Key overrides derivation when set. It must pass ValidateKey.
	Key string

	// TTL overrides the policy default when positive.
	TTL time.Duration
}

// ExecutorFunc performs the real side effect and returns its JSON result.
// A returned error is never recorded; a failure-shaped result value is.
type ExecutorFunc func(ctx context.Context) (json.RawMessage, error)

// Outcome describes how a guarded execution was answered.
type Outcome struct {
	Key    string
	Result json.RawMessage

	// Duplicate is true when the executor did not run for this call.
	Duplicate bool

	// Shared is true when the result came from a concurrent in-process
	// caller with the same key.
	Shared bool

	// Degraded is true when the store was unavailable and the executor ran
	// without de-duplication.
	Degraded bool
}

// FailPolicy decides what happens when the store reports ErrUnavailable.
type FailPolicy int

const (
	// FailOpen executes without de-duplication.
	FailOpen FailPolicy = iota
	// FailClosed returns the store error without executing.
	FailClosed
)

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailPolicy parses "open" or "closed". Anything else is FailOpen.
func ParseFailPolicy(s string) FailPolicy {
	if s == "closed" {
		return FailClosed
	}
	return FailOpen
}

// GuardConfig configures a Guard. Zero fields take defaults.
type GuardConfig struct {
	Policy     Policy
	FailPolicy FailPolicy
	Keyer      Keyer
	Logger     observe.Logger
	Metrics    Metrics

	// RecordRetry re-attempts the write that records a result. Nil means a
	// single attempt.
	RecordRetry *resilience.Retry
}

// Guard runs executors at most once per key.
//
// Contract:
// - Concurrency: safe for concurrent use. Concurrent calls for one key in
// one process share a single execution.
// - Context: waiting callers honor ctx; the shared execution is detached
// from the first caller's cancellation so its result is always recorded.
// - Errors: executor errors are returned unwrapped and release the claim.
type Guard struct {
	store   Store
	policy  Policy
	fail    FailPolicy
	keyer   Keyer
	logger  observe.Logger
	metrics Metrics
	retry   *resilience.Retry
	group   singleflight.Group
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, cfg GuardConfig) (*Guard, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Keyer == nil {
		cfg.Keyer = defaultKeyer
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &Guard{
		store:   store,
		policy:  cfg.Policy,
		fail:    cfg.FailPolicy,
		keyer:   cfg.Keyer,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		retry:   cfg.RecordRetry,
	}, nil
}

// UnavailableRetry returns a Retry for recording results that only repeats
// on ErrUnavailable.
func UnavailableRetry(attempts int) *resilience.Retry {
	return resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts: attempts,
		Jitter:      true,
		RetryIf:     func(err error) bool { return errors.Is(err, ErrUnavailable) },
	})
}

// Store returns the underlying store.
func (g *Guard) Store() Store { return g.store }

// Key returns the key Execute would use for a.
func (g *Guard) Key(a Action) (string, error) {
	if a.Key != "" {
		if err := ValidateKey(a.Key); err != nil {
			return "", err
		}
		return a.Key, nil
	}
	return g.keyer.Key(a.OwnerID, a.ActionType, a.ConversationID, a.InstanceID)
}

// Execute runs exec unless a result for the action is already stored.
func (g *Guard) Execute(ctx context.Context, a Action, exec ExecutorFunc) (Outcome, error) {
	if exec == nil {
		return Outcome{}, ErrNilExecutor
	}
	key, err := g.Key(a)
	if err != nil {
		return Outcome{}, err
	}

	ran := false
	ch := g.group.DoChan(key, func() (any, error) {
		ran = true
		return g.execute(context.WithoutCancel(ctx), key, a, exec)
	})

	select {
	case <-ctx.Done():
		return Outcome{Key: key}, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(Outcome)
		out.Key = key
		if !ran {
			out.Result = cloneResult(out.Result)
			if res.Err == nil {
				out.Duplicate = true
				out.Shared = true
			}
		}
		return out, res.Err
	}
}

func (g *Guard) execute(ctx context.Context, key string, a Action, exec ExecutorFunc) (Outcome, error) {
	owner, _ := formatToken("ownerID", a.OwnerID)
	logger := g.logger.WithAction(observe.ActionMeta{Type: a.ActionType, IdempotencyKey: key})

	claimer, canClaim := g.store.(Claimer)
	if canClaim {
		cr, err := claimer.Claim(ctx, key, a.ActionType, owner, g.policy.ClaimTTL)
		if err != nil {
			return g.degrade(ctx, logger, a, exec, err)
		}
		switch cr.State {
		case ClaimCompleted:
			g.metrics.RecordLookup(ctx, a.ActionType, true)
			logger.Info(ctx, "duplicate action detected")
			return Outcome{Result: cr.Lookup.Result, Duplicate: true}, nil
		case ClaimInFlight:
			g.metrics.RecordInFlight(ctx, a.ActionType)
			return Outcome{}, fmt.Errorf("%w: %s", ErrInFlight, key)
		}
	} else {
		lk, err := g.store.Lookup(ctx, key)
		if err != nil {
			return g.degrade(ctx, logger, a, exec, err)
		}
		if lk.Duplicate {
			g.metrics.RecordLookup(ctx, a.ActionType, true)
			logger.Info(ctx, "duplicate action detected")
			return Outcome{Result: lk.Result, Duplicate: true}, nil
		}
	}
	g.metrics.RecordLookup(ctx, a.ActionType, false)

	result, err := exec(ctx)
	if err != nil {
		if canClaim {
			if rerr := claimer.Release(ctx, key); rerr != nil {
				logger.Warn(ctx, "failed to release claim", observe.F("error", rerr))
			}
		}
		return Outcome{}, err
	}

	g.record(ctx, logger, key, a, owner, result)
	return Outcome{Result: result}, nil
}

// degrade applies the fail policy after a store error.
func (g *Guard) degrade(ctx context.Context, logger observe.Logger, a Action, exec ExecutorFunc, cause error) (Outcome, error) {
	if !errors.Is(cause, ErrUnavailable) || g.fail == FailClosed {
		return Outcome{}, cause
	}

	g.metrics.RecordFailOpen(ctx, a.ActionType)
	logger.Warn(ctx, "idempotency store unavailable, executing without de-duplication", observe.F("error", cause))

	result, err := exec(ctx)
	if err != nil {
		return Outcome{Degraded: true}, err
	}
	return Outcome{Result: result, Degraded: true}, nil
}

// record stores the result. A failure here is logged, not returned: the side
// effect already happened and the caller must see its result.
func (g *Guard) record(ctx context.Context, logger observe.Logger, key string, a Action, owner string, result json.RawMessage) {
	var opts []StoreOption
	if a.TTL > 0 {
		opts = append(opts, WithTTL(a.TTL))
	}
	write := func(ctx context.Context) error {
		return g.store.Store(ctx, key, a.ActionType, owner, result, opts...)
	}
	var err error
	if g.retry != nil {
		err = g.retry.Execute(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		logger.Error(ctx, "failed to record action result", observe.F("error", err))
		return
	}
	g.metrics.RecordStore(ctx, a.ActionType)
}
