// Package credentials builds the payload pushed to a device once its
// pairing token is confirmed validated.
package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider produces the credential payload for a validated token. It is
// invoked only after the session re-confirms the token is admissible.
type Provider interface {
	BuildPayload(ctx context.Context, tokenID string) ([]byte, error)
}

// Envelope is the default credential payload shape.
type Envelope struct {
	SessionID string    `json:"session_id"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnvelopeProvider issues a fresh session credential envelope per
// delivery. Deployments with a full credential service swap in their own
// Provider.
type EnvelopeProvider struct {
	TTL time.Duration
	now func() time.Time
}

// NewEnvelopeProvider creates a provider issuing credentials valid for ttl.
func NewEnvelopeProvider(ttl time.Duration) *EnvelopeProvider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EnvelopeProvider{TTL: ttl, now: time.Now}
}

func (p *EnvelopeProvider) BuildPayload(ctx context.Context, tokenID string) ([]byte, error) {
	now := p.now()
	return json.Marshal(Envelope{
		SessionID: uuid.NewString(),
		TokenID:   tokenID,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.TTL),
	})
}
