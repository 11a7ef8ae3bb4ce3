package admission

import (
	"sort"
	"sync"
	"time"
)

const latencyWindowSize = 128

// LatencyTracker keeps a ring of recent operation latencies and reports
// the p95, which sizes semaphore lease TTLs. Callers feed it with the
// duration of each guarded operation.
type LatencyTracker struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	n       int // total observations
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// Observe records one operation latency.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.n%latencyWindowSize] = d
	t.n++
}

// P95 returns the 95th-percentile latency of the current window, or zero
// when nothing has been observed yet.
func (t *LatencyTracker) P95() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.n
	if size > latencyWindowSize {
		size = latencyWindowSize
	}
	if size == 0 {
		return 0
	}

	window := make([]time.Duration, size)
	copy(window, t.samples[:size])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	idx := size * 95 / 100
	if idx >= size {
		idx = size - 1
	}
	return window[idx]
}
