package session

import (
	"context"
	"time"

	"github.com/tvgrid/pairgate/internal/coord"
	"github.com/tvgrid/pairgate/internal/token"
)

// Notifier tells a parked session that its token may have become
// validated. The signal is a hint: the session always re-reads the token
// before delivering. Push and polling are interchangeable strategies so
// the state machine never branches on transport details.
type Notifier interface {
	// AwaitValidation returns a channel that fires (once) when the token
	// may be validated, and a stop function the caller must invoke when
	// done waiting.
	AwaitValidation(ctx context.Context, tokenID string) (<-chan struct{}, func(), error)
}

// PushNotifier listens on the coordination store's pub/sub channel for
// the token. This is the default strategy.
type PushNotifier struct {
	store coord.Store
}

// NewPushNotifier creates a pub/sub-backed notifier.
func NewPushNotifier(store coord.Store) *PushNotifier {
	return &PushNotifier{store: store}
}

func (n *PushNotifier) AwaitValidation(ctx context.Context, tokenID string) (<-chan struct{}, func(), error) {
	sub, err := n.store.Subscribe(ctx, token.ValidatedChannel(tokenID))
	if err != nil {
		return nil, nil, err
	}

	signal := make(chan struct{}, 1)
	go func() {
		if _, ok := <-sub.Messages(); ok {
			signal <- struct{}{}
		}
	}()
	stop := func() { sub.Close() }
	return signal, stop, nil
}

// PollNotifier checks the token's status on a fixed interval. Used in
// environments where push delivery is unreliable.
type PollNotifier struct {
	tokens   token.Store
	interval time.Duration
}

// NewPollNotifier creates a polling notifier.
func NewPollNotifier(tokens token.Store, interval time.Duration) *PollNotifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollNotifier{tokens: tokens, interval: interval}
}

func (n *PollNotifier) AwaitValidation(ctx context.Context, tokenID string) (<-chan struct{}, func(), error) {
	pollCtx, cancel := context.WithCancel(ctx)
	signal := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t, err := n.tokens.Get(pollCtx, tokenID)
				if err != nil {
					continue // transient; the validation timeout bounds the wait
				}
				if t.Status != token.StatusPending {
					signal <- struct{}{}
					return
				}
			case <-pollCtx.Done():
				return
			}
		}
	}()
	return signal, cancel, nil
}
