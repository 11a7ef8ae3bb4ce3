package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/coord"
)

const leasePrefix = "sem:lease:"

const (
	minLeaseTTL = 10 * time.Second
	maxLeaseTTL = 60 * time.Second
)

// Lease is one held slot of the global semaphore. The holder must call
// Semaphore.Release when the guarded operation finishes; the TTL is only
// the safety net against leaks from crashed processes.
type Lease struct {
	ID         string
	TTL        time.Duration
	AcquiredAt time.Time

	// Unguarded marks a lease granted while the coordination store was
	// unreachable under the fail-open policy. It holds no store key.
	Unguarded bool
}

// RejectedError is a typed admission denial carrying the retry hint.
type RejectedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission rejected: %s (retry after %s)", e.Reason, e.RetryAfter)
}

// FailurePolicy resolves semaphore acquisition when the store is down.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

// Semaphore is the global counting semaphore. Live leases are keys in the
// coordination store, so the slot count holds across all processes.
// Acquisition is not FIFO-fair; TTL expiry guarantees no caller is
// starved forever by leaked slots.
type Semaphore struct {
	store    coord.Store
	br       *breaker.Breaker
	capacity int
	policy   FailurePolicy
	lat      *LatencyTracker
	now      func() time.Time
}

// NewSemaphore creates a semaphore with the given global slot capacity.
func NewSemaphore(store coord.Store, br *breaker.Breaker, capacity int, policy FailurePolicy, lat *LatencyTracker) *Semaphore {
	return &Semaphore{
		store:    store,
		br:       br,
		capacity: capacity,
		policy:   policy,
		lat:      lat,
		now:      time.Now,
	}
}

// leaseTTL computes the dynamic lease duration from measured latency:
// clamp(p95 * 1.5, 10s, 60s).
func (s *Semaphore) leaseTTL() time.Duration {
	ttl := s.lat.P95() * 3 / 2
	if ttl < minLeaseTTL {
		return minLeaseTTL
	}
	if ttl > maxLeaseTTL {
		return maxLeaseTTL
	}
	return ttl
}

// Acquire attempts to take a slot. On success the returned lease must be
// released when the guarded operation completes. At capacity it returns
// a *RejectedError with retryAfter = max(1s, ttl/6).
func (s *Semaphore) Acquire(ctx context.Context) (*Lease, error) {
	ttl := s.leaseTTL()
	id := uuid.NewString()

	var acquired bool
	err := s.br.Do(ctx, func(ctx context.Context) error {
		res, err := s.store.Eval(ctx, coord.ScriptSemAcquire,
			[]string{leasePrefix + id},
			[]interface{}{leasePrefix + "*", s.capacity, ttl.Milliseconds()})
		if err != nil {
			return err
		}
		reply, ok := res.([]interface{})
		if !ok || len(reply) != 2 {
			return fmt.Errorf("sem acquire: unexpected reply %T", res)
		}
		acquired = asInt64(reply[0]) == 1
		return nil
	})
	if err != nil {
		if s.policy == FailClosed {
			slog.Warn("semaphore failing closed", "error", err)
			return nil, &RejectedError{Reason: "coordination store unavailable", RetryAfter: retryHint(ttl)}
		}
		slog.Debug("semaphore failing open", "error", err)
		return &Lease{ID: id, TTL: ttl, AcquiredAt: s.now(), Unguarded: true}, nil
	}

	if !acquired {
		return nil, &RejectedError{Reason: "all slots in use", RetryAfter: retryHint(ttl)}
	}
	return &Lease{ID: id, TTL: ttl, AcquiredAt: s.now()}, nil
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

// Release frees the lease's slot. Explicit release is mandatory on every
// completion path; the TTL only covers crashed holders.
func (s *Semaphore) Release(ctx context.Context, lease *Lease) {
	if lease == nil || lease.Unguarded {
		return
	}
	err := s.br.Do(ctx, func(ctx context.Context) error {
		return s.store.Del(ctx, leasePrefix+lease.ID)
	})
	if err != nil {
		// The TTL reclaims the slot; log and move on.
		slog.Warn("lease release failed, TTL will reclaim", "lease", lease.ID, "ttl", lease.TTL, "error", err)
	}
}

// Live reports the current number of live leases, via a non-blocking
// cursor scan. Used for health reporting, never for admission decisions.
func (s *Semaphore) Live(ctx context.Context) (int, error) {
	var live int
	err := s.br.Do(ctx, func(ctx context.Context) error {
		n, err := s.store.CountPrefix(ctx, leasePrefix)
		live = n
		return err
	})
	return live, err
}

func retryHint(ttl time.Duration) time.Duration {
	hint := ttl / 6
	if hint < time.Second {
		return time.Second
	}
	return hint
}
