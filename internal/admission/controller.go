package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Controller combines the degradation level, backpressure queue, and
// global semaphore into one admission decision per request.
type Controller struct {
	sem       *Semaphore
	queue     *Queue
	loadRatio func() float64 // caller-supplied load measurement
	pace      time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewController wires the admission pipeline. loadRatio supplies the
// current load over baseline; this core never computes it.
func NewController(sem *Semaphore, queue *Queue, loadRatio func() float64) *Controller {
	return &Controller{
		sem:       sem,
		queue:     queue,
		loadRatio: loadRatio,
		pace:      20 * time.Millisecond,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the queue dispatch loop.
func (c *Controller) Start() {
	go c.dispatchLoop()
}

// Stop halts the dispatch loop.
func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
}

// Level reports the current degradation level.
func (c *Controller) Level() Level {
	return LevelFor(c.loadRatio())
}

// Admit runs the admission pipeline for one request:
//   - at critical degradation, low-priority requests are rejected outright;
//   - at medium and above, low-priority requests wait in the backpressure
//     queue before contending for a slot;
//   - finally the global semaphore is acquired.
//
// A non-nil lease must be released by the caller when the guarded
// operation finishes.
func (c *Controller) Admit(ctx context.Context, id string, prio Priority) (*Lease, error) {
	level := c.Level()

	if level >= LevelCritical && prio == PriorityLow {
		slog.Warn("admission rejected at critical load", "id", id)
		return nil, &RejectedError{Reason: "critical load, low-priority traffic shed", RetryAfter: retryHint(c.sem.leaseTTL())}
	}

	if level >= LevelMedium && prio == PriorityLow {
		ticket, err := c.queue.Enqueue(id, prio)
		if err != nil {
			return nil, &RejectedError{Reason: "backpressure queue full", RetryAfter: retryHint(c.sem.leaseTTL())}
		}
		select {
		case qerr := <-ticket.Ready():
			if errors.Is(qerr, ErrQueueTimeout) {
				return nil, &RejectedError{Reason: "queued past maximum wait", RetryAfter: retryHint(c.sem.leaseTTL())}
			}
			if qerr != nil {
				return nil, qerr
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return c.sem.Acquire(ctx)
}

// Release frees an admitted request's lease.
func (c *Controller) Release(ctx context.Context, lease *Lease) {
	c.sem.Release(ctx, lease)
}

// ObserveLatency feeds the lease-TTL calculation.
func (c *Controller) ObserveLatency(d time.Duration) {
	c.sem.lat.Observe(d)
}

// Live reports the current live lease count, for health reporting.
func (c *Controller) Live(ctx context.Context) (int, error) {
	return c.sem.Live(ctx)
}

func (c *Controller) dispatchLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.pace)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.queue.Admit()
		case <-c.stop:
			// Drain remaining waiters so nothing blocks forever.
			for c.queue.Admit() {
			}
			return
		}
	}
}
