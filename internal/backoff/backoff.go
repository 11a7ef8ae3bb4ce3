// Package backoff computes client retry hints: exponential delay with
// jitter, tracked per device identity. The server never sleeps on these
// delays itself; they are returned to the device so retries spread out
// instead of arriving as a thundering herd.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Config controls the delay curve.
type Config struct {
	Base        time.Duration // first-attempt delay (default 1s)
	Max         time.Duration // delay cap (default 60s)
	Jitter      bool          // apply ±30% uniform perturbation
	QuietPeriod time.Duration // attempt counter resets after this much silence (default 5m)
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Base:        time.Second,
		Max:         60 * time.Second,
		Jitter:      true,
		QuietPeriod: 5 * time.Minute,
	}
}

// jitterFloor keeps a jittered delay from collapsing to near zero.
const jitterFloor = 500 * time.Millisecond

// Calculator tracks per-identity attempt counters and produces delays.
type Calculator struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	attempts map[string]attemptState
}

type attemptState struct {
	count    int
	lastSeen time.Time
}

// New creates a calculator.
func New(cfg Config) *Calculator {
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig().Base
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig().Max
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultConfig().QuietPeriod
	}
	return &Calculator{
		cfg:      cfg,
		now:      time.Now,
		attempts: make(map[string]attemptState),
	}
}

// Next records one failed attempt for identity and returns the delay the
// client should wait before retrying. A quiet period since the last
// attempt resets the counter first.
func (c *Calculator) Next(identity string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.attempts[identity]
	if !st.lastSeen.IsZero() && now.Sub(st.lastSeen) >= c.cfg.QuietPeriod {
		st.count = 0
	}
	st.count++
	st.lastSeen = now
	c.attempts[identity] = st

	return c.Delay(st.count)
}

// Reset clears the identity's attempt counter, called on any successful
// operation.
func (c *Calculator) Reset(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, identity)
}

// Delay computes the delay for a given attempt number (1-based):
// min(base * 2^(attempt-1), max), with optional ±30% jitter floored at
// 500ms.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := c.cfg.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.Max {
			delay = c.cfg.Max
			break
		}
	}

	if c.cfg.Jitter {
		// ±30% uniform perturbation
		span := delay * 3 / 10
		if span > 0 {
			delay += time.Duration(rand.Int64N(int64(span)*2)) - span
		}
		if delay < jitterFloor {
			delay = jitterFloor
		}
	}
	return delay
}
