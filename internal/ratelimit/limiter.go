// Package ratelimit implements the distributed rate limiter: fixed-window
// counters and an atomic token bucket, both coordinated through the shared
// store so limits hold across every server process. Every store call goes
// through the circuit breaker; when the coordination layer is down the
// configured failure policy decides between availability (fail-open) and
// strict enforcement (fail-closed).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/coord"
)

// FailurePolicy resolves rate-limit checks when the breaker is open or
// the store call fails.
type FailurePolicy int

const (
	// FailOpen admits the request, guarded by a process-local limiter.
	FailOpen FailurePolicy = iota
	// FailClosed denies the request with a retry hint.
	FailClosed
)

// WindowLimit is a fixed-window counter limit.
type WindowLimit struct {
	Max    int64
	Window time.Duration
}

// BucketLimit is a token-bucket limit: Refill tokens are replenished per
// Window, up to Capacity.
type BucketLimit struct {
	Capacity int64
	Refill   int64
	Window   time.Duration
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	FailedOpen bool // decision made without the store (breaker open or store error)
}

// Check is one layer of a composed rate-limit gate. Exactly one of
// Window or Bucket is set.
type Check struct {
	Name   string // label for logs and rejection messages
	Key    string
	Window *WindowLimit
	Bucket *BucketLimit
}

// Limiter evaluates window and bucket limits against the coordination
// store.
type Limiter struct {
	store  coord.Store
	br     *breaker.Breaker
	policy FailurePolicy
	local  *LocalLimiter // last-resort guard while failing open
	now    func() time.Time
}

// New creates a limiter. local may be nil to skip the fail-open guard.
func New(store coord.Store, br *breaker.Breaker, policy FailurePolicy, local *LocalLimiter) *Limiter {
	return &Limiter{
		store:  store,
		br:     br,
		policy: policy,
		local:  local,
		now:    time.Now,
	}
}

const (
	windowPrefix = "rl:win:"
	bucketPrefix = "rl:tb:"
)

// CheckWindow reads the current fixed-window count for key. It does not
// increment: callers record usage with IncrWindow only after the guarded
// operation succeeds, so requests that fail validation are not charged.
func (l *Limiter) CheckWindow(ctx context.Context, key string, limit WindowLimit) (Decision, error) {
	full := windowPrefix + key

	var count int64
	var retryAfter time.Duration
	err := l.br.Do(ctx, func(ctx context.Context) error {
		v, ok, err := l.store.Get(ctx, full)
		if err != nil {
			return err
		}
		if ok {
			if _, perr := fmt.Sscan(v, &count); perr != nil {
				count = 0
			}
		}
		if count >= limit.Max {
			if ttl, ok, err := l.store.TTL(ctx, full); err == nil && ok {
				retryAfter = ttl
			} else {
				retryAfter = limit.Window
			}
		}
		return nil
	})
	if err != nil {
		return l.failDecision(key, err), nil
	}

	if count >= limit.Max {
		return Decision{Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit.Max - count}, nil
}

// IncrWindow records one use of the fixed window for key. The expiry is
// applied atomically with counter creation so the window resets itself.
func (l *Limiter) IncrWindow(ctx context.Context, key string, limit WindowLimit) error {
	full := windowPrefix + key
	return l.br.Do(ctx, func(ctx context.Context) error {
		_, err := l.store.Incr(ctx, full, limit.Window)
		return err
	})
}

// Take atomically removes n tokens from the bucket for key. The read,
// replenish, and conditional subtract execute as one scripted store
// operation; concurrent callers on different processes cannot double-spend.
func (l *Limiter) Take(ctx context.Context, key string, limit BucketLimit, n int64) (Decision, error) {
	full := bucketPrefix + key
	args := []interface{}{
		limit.Capacity,
		limit.Refill,
		limit.Window.Milliseconds(),
		n,
		l.now().UnixMilli(),
	}

	var reply []interface{}
	err := l.br.Do(ctx, func(ctx context.Context) error {
		res, err := l.store.Eval(ctx, coord.ScriptBucketTake, []string{full}, args)
		if err != nil {
			return err
		}
		r, ok := res.([]interface{})
		if !ok || len(r) != 3 {
			return fmt.Errorf("bucket take: unexpected reply %T", res)
		}
		reply = r
		return nil
	})
	if err != nil {
		return l.failDecision(key, err), nil
	}

	allowed := asInt64(reply[0]) == 1
	remaining := asInt64(reply[1])
	retryMs := asInt64(reply[2])
	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// CheckAll evaluates layered checks in order, short-circuiting on the
// first denial. Layering per-identity, per-token, and per-client limits
// is defense in depth, not redundancy.
func (l *Limiter) CheckAll(ctx context.Context, checks []Check) (Decision, string, error) {
	for _, c := range checks {
		var d Decision
		var err error
		switch {
		case c.Window != nil:
			d, err = l.CheckWindow(ctx, c.Key, *c.Window)
		case c.Bucket != nil:
			d, err = l.Take(ctx, c.Key, *c.Bucket, 1)
		default:
			continue
		}
		if err != nil {
			return Decision{}, c.Name, err
		}
		if !d.Allowed {
			return d, c.Name, nil
		}
	}
	return Decision{Allowed: true}, "", nil
}

// failDecision resolves a check that could not reach the store.
func (l *Limiter) failDecision(key string, cause error) Decision {
	if l.policy == FailClosed {
		slog.Warn("rate limit failing closed", "key", key, "error", cause)
		return Decision{RetryAfter: 5 * time.Second}
	}
	if l.local != nil && !l.local.Allow(key) {
		slog.Warn("rate limit failed open, local guard denied", "key", key)
		return Decision{RetryAfter: time.Second, FailedOpen: true}
	}
	slog.Debug("rate limit failing open", "key", key, "error", cause)
	return Decision{Allowed: true, FailedOpen: true}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
