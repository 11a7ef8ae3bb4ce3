// Package session implements the per-connection pairing state machine.
//
// A session is created once a device's connection is admitted, waits for
// the device to name its pairing token, then either delivers credentials
// immediately (token already validated) or parks until the token is
// validated, a timeout fires, or the device goes quiet. Every terminal
// state maps to exactly one close reason, and the first timer to fire
// wins — one run loop owns every transition, so a session can never
// double-close.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tvgrid/pairgate/internal/credentials"
	"github.com/tvgrid/pairgate/internal/token"
	"github.com/tvgrid/pairgate/pkg/protocol"
)

// State is the session's position in the pairing protocol.
type State string

const (
	StateConnecting         State = "connecting"
	StateAdmitted           State = "admitted"
	StateAwaitingValidation State = "awaiting_validation"
	StateDelivering         State = "delivering"
	StateExpired            State = "expired"
	StateTimedOut           State = "timed_out"
	StateInactive           State = "inactive"
	StateRejected           State = "rejected"
	// StateDisconnected is the quiet terminal for a client that dropped
	// the connection; no close frame is owed.
	StateDisconnected State = "disconnected"
)

// Config sets the session timers.
type Config struct {
	PingInterval            time.Duration // keepalive ping cadence (handled by the transport write pump)
	InactivityTimeout       time.Duration // close as inactive after this much client silence
	AutoValidationTimeout   time.Duration // validation wait for method=automatic
	ManualValidationTimeout time.Duration // validation wait for method=manual
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:            30 * time.Second,
		InactivityTimeout:       60 * time.Second,
		AutoValidationTimeout:   60 * time.Second,
		ManualValidationTimeout: 180 * time.Second,
	}
}

// Transport is the session's view of its connection. The gateway client
// implements it over WebSocket frames.
type Transport interface {
	// Deliver pushes the credential payload to the device.
	Deliver(payload []byte) error
	// Park acknowledges the auth request and tells the device it is
	// waiting on validation.
	Park()
	// CloseWith closes the connection with a typed reason. retryAfter of
	// zero means no hint.
	CloseWith(code int, reason string, retryAfter time.Duration)
}

// Deps are the session's collaborators.
type Deps struct {
	Tokens   token.Store
	Creds    credentials.Provider
	Notifier Notifier
}

// Session is one device's pairing attempt.
type Session struct {
	ID       string
	Identity string

	cfg       Config
	deps      Deps
	transport Transport
	now       func() time.Time

	authCh       chan string
	lastActivity atomic.Int64 // unix nanos

	state atomic.Value // State
}

// New creates a session in the admitted state (admission already passed).
func New(id, identity string, cfg Config, deps Deps, transport Transport) *Session {
	s := &Session{
		ID:        id,
		Identity:  identity,
		cfg:       cfg,
		deps:      deps,
		transport: transport,
		now:       time.Now,
		authCh:    make(chan string, 1),
	}
	s.state.Store(StateAdmitted)
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Authenticate hands the device's pairing token to the run loop. Repeat
// auth requests on the same session are ignored.
func (s *Session) Authenticate(tokenID string) {
	select {
	case s.authCh <- tokenID:
	default:
	}
}

// Touch records client activity (any read, including pong).
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// Run drives the session to a terminal state and returns it. Cancelling
// ctx (client disconnect) stops every pending wait immediately. The
// caller releases connection counters after Run returns, on every path.
func (s *Session) Run(ctx context.Context) State {
	inactivity := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivity.Stop()

	var validationTimer *time.Timer
	var validationC <-chan time.Time
	defer func() {
		if validationTimer != nil {
			validationTimer.Stop()
		}
	}()

	var notifyC <-chan struct{}
	var stopNotify func()
	defer func() {
		if stopNotify != nil {
			stopNotify()
		}
	}()

	var tokenID string

	for {
		select {
		case <-ctx.Done():
			return s.finishQuiet(StateDisconnected)

		case id := <-s.authCh:
			tokenID = id
			s.Touch()

			tok, err := s.deps.Tokens.Get(ctx, tokenID)
			if errors.Is(err, token.ErrNotFound) {
				return s.finish(StateRejected, protocol.CloseTokenInvalid, "unknown pairing token", 0)
			}
			if err != nil {
				slog.Warn("token store read failed", "session", s.ID, "error", err)
				return s.finish(StateRejected, protocol.CloseAdmissionReject, "token store unavailable", 5*time.Second)
			}

			if err := s.deps.Tokens.IncrementAttempts(ctx, tokenID); err != nil {
				slog.Debug("attempt counter update failed", "token", tokenID, "error", err)
			}

			if tok.Expired(s.now()) {
				return s.finish(StateExpired, protocol.CloseTokenExpired, "pairing token expired", 0)
			}

			switch tok.Status {
			case token.StatusValidated:
				return s.deliver(ctx, tokenID)
			case token.StatusPending:
				// Park until validated, timed out, or inactive.
				s.state.Store(StateAwaitingValidation)
				timeout := s.cfg.AutoValidationTimeout
				if tok.Method == token.MethodManual {
					timeout = s.cfg.ManualValidationTimeout
				}
				validationTimer = time.NewTimer(timeout)
				validationC = validationTimer.C

				notifyC, stopNotify, err = s.deps.Notifier.AwaitValidation(ctx, tokenID)
				if err != nil {
					slog.Warn("validation notifier unavailable", "session", s.ID, "error", err)
					return s.finish(StateRejected, protocol.CloseAdmissionReject, "notification channel unavailable", 5*time.Second)
				}
				s.transport.Park()
				slog.Debug("session parked", "session", s.ID, "token", tokenID, "method", tok.Method, "timeout", timeout)
			default:
				// used or expired status: terminal for this token.
				return s.finish(StateRejected, protocol.CloseTokenInvalid, "pairing token already "+string(tok.Status), 0)
			}

		case <-notifyC:
			return s.deliver(ctx, tokenID)

		case <-validationC:
			return s.finish(StateTimedOut, protocol.CloseValidationExpiry, "validation wait exceeded", 0)

		case <-inactivity.C:
			idle := s.now().Sub(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.cfg.InactivityTimeout {
				return s.finish(StateInactive, protocol.CloseInactivity, "no client activity", 0)
			}
			inactivity.Reset(s.cfg.InactivityTimeout - idle)
		}
	}
}

// deliver re-reads the token — the notification is only a hint — and
// pushes credentials exactly once if it is still admissible.
func (s *Session) deliver(ctx context.Context, tokenID string) State {
	s.state.Store(StateDelivering)

	tok, err := s.deps.Tokens.Get(ctx, tokenID)
	if err != nil {
		slog.Warn("token re-read failed before delivery", "session", s.ID, "error", err)
		return s.finish(StateRejected, protocol.CloseAdmissionReject, "token store unavailable", 5*time.Second)
	}
	if tok.Expired(s.now()) {
		return s.finish(StateExpired, protocol.CloseTokenExpired, "pairing token expired before delivery", 0)
	}
	if !tok.Admissible(s.now()) {
		return s.finish(StateRejected, protocol.CloseTokenInvalid, "pairing token no longer validated", 0)
	}

	payload, err := s.deps.Creds.BuildPayload(ctx, tokenID)
	if err != nil {
		slog.Error("credential build failed", "session", s.ID, "token", tokenID, "error", err)
		return s.finish(StateRejected, protocol.CloseAdmissionReject, "credential provider failed", 5*time.Second)
	}
	if err := s.transport.Deliver(payload); err != nil {
		slog.Warn("credential delivery failed", "session", s.ID, "error", err)
		return s.finishQuiet(StateDisconnected)
	}

	slog.Info("credentials delivered", "session", s.ID, "identity", s.Identity, "token", tokenID)
	s.transport.CloseWith(protocol.CloseNormalDelivery, "credentials delivered", 0)
	return StateDelivering
}

func (s *Session) finish(final State, code int, reason string, retryAfter time.Duration) State {
	s.state.Store(final)
	slog.Info("session closed", "session", s.ID, "identity", s.Identity, "state", final, "reason", reason)
	s.transport.CloseWith(code, reason, retryAfter)
	return final
}

func (s *Session) finishQuiet(final State) State {
	s.state.Store(final)
	slog.Debug("session ended without close frame", "session", s.ID, "state", final)
	return final
}
