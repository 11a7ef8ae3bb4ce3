// Package token is the narrow client of the external pairing-token store.
// The admission core only reads tokens and bumps their attempt counters;
// validation happens elsewhere and is observed through status changes.
package token

import (
	"context"
	"errors"
	"time"
)

// Status of a pairing token.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
)

// Method is how a token gets validated. Manual (operator) validation
// legitimately takes longer, so sessions waiting on it get a longer
// timeout.
type Method string

const (
	MethodAutomatic Method = "automatic"
	MethodManual    Method = "manual"
)

// Token is one pairing token as read from the store.
type Token struct {
	ID        string
	Status    Status
	Attempts  int
	ExpiresAt time.Time
	Method    Method
}

// Admissible reports whether credentials may be delivered against this
// token: validated and not expired. Always re-check immediately before
// delivering; a validation notification is a hint, never the final word.
func (t *Token) Admissible(now time.Time) bool {
	return t.Status == StatusValidated && now.Before(t.ExpiresAt)
}

// Expired reports whether the token's expiry has passed, regardless of
// stored status.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RecentlyValidated reports whether this token supports a reconnection
// claim: it reached validated or used status and its expiry passed no
// more than grace ago. A still-live token is an ordinary pairing, not a
// reconnection.
func (t *Token) RecentlyValidated(now time.Time, grace time.Duration) bool {
	if t.Status != StatusValidated && t.Status != StatusUsed {
		return false
	}
	if now.Before(t.ExpiresAt) {
		return false
	}
	return now.Sub(t.ExpiresAt) <= grace
}

// ErrNotFound reports an unknown token ID.
var ErrNotFound = errors.New("token: not found")

// Store is the read/signal surface of the external pairing-token store.
type Store interface {
	Get(ctx context.Context, id string) (*Token, error)
	IncrementAttempts(ctx context.Context, id string) error
}

// ValidatedChannel names the coordination-store pub/sub channel on which
// a token's validation is announced.
func ValidatedChannel(id string) string {
	return "pair:validated:" + id
}
