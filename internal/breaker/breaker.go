// Package breaker implements the circuit breaker guarding every
// coordination-store call. After a configured number of consecutive
// failures the breaker opens and calls fail fast without touching the
// store; after the open duration a single probe is admitted, and one
// success fully closes the breaker while one failure reopens it.
//
// Breaker state is deliberately process-local: it measures this process's
// connectivity to the store, and the store it would otherwise live in is
// the very dependency being guarded.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without attempting the wrapped call while the
// breaker is open. Callers map it to their fail-open or fail-closed
// policy; it is never surfaced to clients as its own error.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config sets the failure threshold and how long the breaker stays open.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	OpenDuration     time.Duration // time before a half-open probe is admitted
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     10 * time.Second,
	}
}

// Breaker tracks consecutive store failures and gates calls.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probing    bool // a half-open probe is in flight
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// NewWithClock creates a breaker with an injected clock for tests.
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	b := New(cfg)
	b.now = now
	return b
}

// Do runs fn unless the breaker is open, and records the outcome.
// While open it returns ErrOpen without calling fn. In half-open state
// exactly one caller probes; concurrent callers still get ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state, applying the open-duration transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickLocked()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return ErrOpen
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		if b.state == StateHalfOpen {
			slog.Info("circuit closed after successful probe")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	if b.state == StateHalfOpen {
		// One failed probe restarts the open-duration timer.
		b.openLocked("probe failed")
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openLocked("failure threshold reached")
	}
}

// tickLocked moves open → half_open once the open duration has elapsed.
func (b *Breaker) tickLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probing = false
	}
}

func (b *Breaker) openLocked(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	slog.Warn("circuit opened", "reason", reason, "open_for", b.cfg.OpenDuration)
}
