package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/coord"
)

func newTestSemaphore(capacity int, policy FailurePolicy) (*Semaphore, *coord.MemStore) {
	store := coord.NewMemStore()
	br := breaker.New(breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute})
	return NewSemaphore(store, br, capacity, policy, NewLatencyTracker()), store
}

func TestSemaphore_CapacityHolds(t *testing.T) {
	sem, _ := newTestSemaphore(3, FailClosed)
	ctx := context.Background()

	var granted atomic.Int64
	var denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := sem.Acquire(ctx)
			if err != nil {
				var rej *RejectedError
				if !errors.As(err, &rej) {
					t.Errorf("unexpected error type: %v", err)
					return
				}
				if rej.RetryAfter <= 0 {
					t.Errorf("denied without positive retryAfter: %v", rej.RetryAfter)
				}
				denied.Add(1)
				return
			}
			if lease.ID == "" {
				t.Error("granted lease without ID")
			}
			granted.Add(1)
		}()
	}
	wg.Wait()

	if g := granted.Load(); g != 3 {
		t.Errorf("granted = %d, want exactly capacity 3", g)
	}
	if d := denied.Load(); d != 7 {
		t.Errorf("denied = %d, want 7", d)
	}
}

func TestSemaphore_ReleaseFreesSlot(t *testing.T) {
	sem, _ := newTestSemaphore(1, FailClosed)
	ctx := context.Background()

	lease, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sem.Acquire(ctx); err == nil {
		t.Fatal("second acquire succeeded with capacity 1")
	}

	sem.Release(ctx, lease)
	if _, err := sem.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSemaphore_LeaseTTLClamped(t *testing.T) {
	sem, _ := newTestSemaphore(1, FailClosed)

	// No observations: clamps to the minimum.
	if got := sem.leaseTTL(); got != minLeaseTTL {
		t.Errorf("empty tracker ttl = %v, want %v", got, minLeaseTTL)
	}

	// Huge p95: clamps to the maximum.
	for i := 0; i < latencyWindowSize; i++ {
		sem.lat.Observe(10 * time.Minute)
	}
	if got := sem.leaseTTL(); got != maxLeaseTTL {
		t.Errorf("slow tracker ttl = %v, want %v", got, maxLeaseTTL)
	}
}

func TestSemaphore_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	open, store := newTestSemaphore(1, FailOpen)
	store.Fail(context.DeadlineExceeded)
	lease, err := open.Acquire(ctx)
	if err != nil {
		t.Fatalf("fail-open acquire: %v", err)
	}
	if !lease.Unguarded {
		t.Error("fail-open lease not marked unguarded")
	}

	closed, store2 := newTestSemaphore(1, FailClosed)
	store2.Fail(context.DeadlineExceeded)
	if _, err := closed.Acquire(ctx); err == nil {
		t.Error("fail-closed acquire succeeded during outage")
	}
}

func TestQueue_PriorityAndOrder(t *testing.T) {
	q := NewQueue(10, time.Minute)

	low1, _ := q.Enqueue("low1", PriorityLow)
	low2, _ := q.Enqueue("low2", PriorityLow)
	high, _ := q.Enqueue("high", PriorityHigh)

	order := []*Ticket{}
	for q.Admit() {
		select {
		case <-low1.Ready():
			order = append(order, low1)
		case <-low2.Ready():
			order = append(order, low2)
		case <-high.Ready():
			order = append(order, high)
		}
	}

	if len(order) != 3 {
		t.Fatalf("admitted %d, want 3", len(order))
	}
	if order[0].ID != "high" {
		t.Errorf("first admitted = %s, want high", order[0].ID)
	}
	if order[1].ID != "low1" || order[2].ID != "low2" {
		t.Errorf("low order = %s, %s; want low1, low2 (FIFO within priority)", order[1].ID, order[2].ID)
	}
}

func TestQueue_FullRejectsImmediately(t *testing.T) {
	q := NewQueue(1, time.Minute)
	if _, err := q.Enqueue("a", PriorityLow); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("b", PriorityLow); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueue_StaleEntryTimesOut(t *testing.T) {
	q := NewQueue(10, 10*time.Millisecond)
	now := time.Unix(100, 0)
	q.now = func() time.Time { return now }

	stale, _ := q.Enqueue("stale", PriorityLow)
	now = now.Add(50 * time.Millisecond)
	fresh, _ := q.Enqueue("fresh", PriorityLow)

	if !q.Admit() {
		t.Fatal("admit returned false with live entry present")
	}

	select {
	case err := <-stale.Ready():
		if !errors.Is(err, ErrQueueTimeout) {
			t.Errorf("stale verdict = %v, want ErrQueueTimeout", err)
		}
	default:
		t.Error("stale entry got no verdict")
	}

	select {
	case err := <-fresh.Ready():
		if err != nil {
			t.Errorf("fresh verdict = %v, want admitted", err)
		}
	default:
		t.Error("fresh entry not admitted")
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		ratio float64
		want  Level
	}{
		{0.5, LevelNone},
		{1.49, LevelNone},
		{1.5, LevelMedium},
		{2.0, LevelHigh},
		{2.99, LevelHigh},
		{3.0, LevelCritical},
		{7.0, LevelCritical},
	}
	for _, c := range cases {
		if got := LevelFor(c.ratio); got != c.want {
			t.Errorf("LevelFor(%.2f) = %v, want %v", c.ratio, got, c.want)
		}
	}
}

func TestController_CriticalShedsLowPriority(t *testing.T) {
	sem, _ := newTestSemaphore(5, FailClosed)
	ratio := 3.5
	c := NewController(sem, NewQueue(10, time.Second), func() float64 { return ratio })
	c.Start()
	defer c.Stop()
	ctx := context.Background()

	if _, err := c.Admit(ctx, "low", PriorityLow); err == nil {
		t.Error("low-priority admitted at critical load")
	}

	// High priority (reconnections) still gets through.
	lease, err := c.Admit(ctx, "high", PriorityHigh)
	if err != nil {
		t.Fatalf("high-priority admit at critical load: %v", err)
	}
	c.Release(ctx, lease)
}

func TestController_MediumQueuesLowPriority(t *testing.T) {
	sem, _ := newTestSemaphore(5, FailClosed)
	ratio := 1.8
	c := NewController(sem, NewQueue(10, time.Second), func() float64 { return ratio })
	c.Start()
	defer c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The dispatch loop admits the queued request shortly after.
	lease, err := c.Admit(ctx, "low", PriorityLow)
	if err != nil {
		t.Fatalf("queued admit: %v", err)
	}
	c.Release(ctx, lease)
}
