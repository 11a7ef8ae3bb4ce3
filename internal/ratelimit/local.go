package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is a per-key token bucket held in process memory. It is
// NOT the authoritative limiter — that lives in the coordination store —
// but it keeps a single process from admitting unbounded traffic while
// the limiter is failing open during a store outage.
type LocalLimiter struct {
	limiters sync.Map   // key → *localEntry
	r        rate.Limit // refill rate (requests per second)
	burst    int
}

type localEntry struct {
	limiter *rate.Limiter
	// lastSeen is unix nanos of the most recent Allow; the cleanup sweep
	// reads it concurrently.
	lastSeen atomic.Int64
}

// NewLocalLimiter creates a guard limiter. rpm is requests per minute per
// key; if rpm <= 0 the guard always allows.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	ll := &LocalLimiter{r: r, burst: burst}

	// Periodic cleanup of stale entries (every 5 minutes)
	go ll.cleanupLoop()

	return ll
}

// Allow checks if a request for key is within the local guard.
func (ll *LocalLimiter) Allow(key string) bool {
	if ll == nil || ll.r == 0 {
		return true
	}
	entry := ll.getOrCreate(key)
	entry.lastSeen.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

func (ll *LocalLimiter) getOrCreate(key string) *localEntry {
	if v, ok := ll.limiters.Load(key); ok {
		return v.(*localEntry)
	}
	entry := &localEntry{limiter: rate.NewLimiter(ll.r, ll.burst)}
	entry.lastSeen.Store(time.Now().UnixNano())
	actual, _ := ll.limiters.LoadOrStore(key, entry)
	return actual.(*localEntry)
}

func (ll *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ll.cleanup()
	}
}

func (ll *LocalLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
	ll.limiters.Range(func(key, value any) bool {
		if value.(*localEntry).lastSeen.Load() < cutoff {
			ll.limiters.Delete(key)
		}
		return true
	})
}
