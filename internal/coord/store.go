// Package coord is the coordination store client. All cross-process state
// (rate-limit counters, token buckets, semaphore leases, connection counts)
// lives behind the Store interface so that limits hold across every server
// process, never in process-local variables.
//
// Operations distinguish "value absent" (ok=false, err=nil) from
// connectivity failure (err != nil) so the circuit breaker can tell a
// logical miss from an outage. No retries happen at this layer; retry
// policy belongs to callers via the breaker.
package coord

import (
	"context"
	"time"
)

// Store is the minimal atomic-primitive surface the admission core needs.
type Store interface {
	// Get returns the value at key. ok=false means the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetNX atomically sets key to value with a TTL if the key is absent.
	// Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key. If the counter is
	// created by this call and ttl > 0, the ttl is applied as a side
	// effect of the same operation.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr atomically decrements the counter at key.
	Decr(ctx context.Context, key string) (int64, error)

	// Del removes keys. Deleting an absent key is not an error.
	Del(ctx context.Context, keys ...string) error

	// TTL reports the remaining lifetime of key. ok=false means the key
	// is absent or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// CountPrefix counts live keys under prefix using an incremental,
	// non-blocking cursor scan. Never a full listing.
	CountPrefix(ctx context.Context, prefix string) (int, error)

	// Eval runs a named server-side atomic script. The read-modify-write
	// inside a script is one atomic unit; concurrent callers on different
	// processes cannot interleave.
	Eval(ctx context.Context, script Script, keys []string, args []interface{}) (interface{}, error)

	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription to channel. The caller must Close it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the underlying client.
	Close() error
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Messages yields payloads published to the subscribed channel.
	// The channel is closed when the subscription is closed.
	Messages() <-chan string
	Close() error
}
