package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/coord"
	"github.com/tvgrid/pairgate/internal/ratelimit"
)

const (
	globalConnKey = "conn:global"
	connKeyPrefix = "conn:id:"
)

// connCountTTL bounds counter lifetime so a crashed process cannot leak a
// slot forever. Every acquire refreshes the expiry, so the counter only
// lapses after a full TTL with no new admissions on it.
const connCountTTL = 24 * time.Hour

// CapExceededError reports which connection cap rejected the attempt.
type CapExceededError struct {
	Scope      string // "global" or "identity"
	RetryAfter time.Duration
}

func (e *CapExceededError) Error() string {
	return "connection cap exceeded: " + e.Scope
}

// ConnCounter enforces the global and per-identity connection caps
// against the coordination store, so the caps hold across every server
// process. Both counters move in one atomic scripted operation; two
// racing connects cannot both slip under the cap.
type ConnCounter struct {
	store       coord.Store
	br          *breaker.Breaker
	globalCap   int
	identityCap int
	policy      ratelimit.FailurePolicy
}

// NewConnCounter creates a counter with the given caps. A cap of zero
// disables that layer.
func NewConnCounter(store coord.Store, br *breaker.Breaker, globalCap, identityCap int, policy ratelimit.FailurePolicy) *ConnCounter {
	return &ConnCounter{
		store:       store,
		br:          br,
		globalCap:   globalCap,
		identityCap: identityCap,
		policy:      policy,
	}
}

func capOrUnlimited(n int) int {
	if n <= 0 {
		return 1 << 30
	}
	return n
}

// Acquire claims a connection slot for identity. On success the caller
// must call Release exactly once when the connection ends.
func (c *ConnCounter) Acquire(ctx context.Context, identity string) error {
	keys := []string{globalConnKey, connKeyPrefix + identity}
	args := []interface{}{capOrUnlimited(c.globalCap), capOrUnlimited(c.identityCap), connCountTTL.Milliseconds()}

	var acquired bool
	var which int64
	err := c.br.Do(ctx, func(ctx context.Context) error {
		res, err := c.store.Eval(ctx, coord.ScriptConnAcquire, keys, args)
		if err != nil {
			return err
		}
		reply, ok := res.([]interface{})
		if !ok || len(reply) != 2 {
			return fmt.Errorf("conn acquire: unexpected reply %T", res)
		}
		acquired = asInt64(reply[0]) == 1
		which = asInt64(reply[1])
		return nil
	})
	if err != nil {
		if c.policy == ratelimit.FailClosed {
			slog.Warn("connection counter failing closed", "identity", identity, "error", err)
			return &CapExceededError{Scope: "global", RetryAfter: 5 * time.Second}
		}
		slog.Debug("connection counter failing open", "identity", identity, "error", err)
		return nil
	}

	if !acquired {
		scope := "global"
		if which == 2 {
			scope = "identity"
		}
		return &CapExceededError{Scope: scope, RetryAfter: 10 * time.Second}
	}
	return nil
}

// Release frees the slot taken by Acquire. Decrements clamp at zero, so
// a release racing with a counter expiry cannot go negative.
func (c *ConnCounter) Release(ctx context.Context, identity string) {
	keys := []string{globalConnKey, connKeyPrefix + identity}
	err := c.br.Do(ctx, func(ctx context.Context) error {
		_, err := c.store.Eval(ctx, coord.ScriptConnRelease, keys, nil)
		return err
	})
	if err != nil {
		slog.Warn("connection counter release failed", "identity", identity, "error", err)
	}
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
