package admission

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("admission: backpressure queue full")

	// ErrQueueTimeout reports an entry that waited past the maximum wait.
	// Stale entries are always discarded, never served.
	ErrQueueTimeout = errors.New("admission: queued past maximum wait")
)

// Ticket is a queued request's handle. Ready yields nil when the request
// is admitted, or ErrQueueTimeout when it waited too long.
type Ticket struct {
	ID         string
	Priority   Priority
	EnqueuedAt time.Time
	ready      chan error
}

// Ready reports the queue's verdict for this ticket.
func (t *Ticket) Ready() <-chan error { return t.ready }

// Queue is the bounded backpressure queue used at medium degradation and
// above. Dequeue order is highest priority first, oldest first within a
// priority.
type Queue struct {
	mu      sync.Mutex
	entries ticketHeap
	seq     uint64
	max     int
	maxWait time.Duration
	now     func() time.Time
}

// NewQueue creates a queue bounded to max entries; entries older than
// maxWait are dropped at dequeue time and reported as timeouts.
func NewQueue(max int, maxWait time.Duration) *Queue {
	return &Queue{max: max, maxWait: maxWait, now: time.Now}
}

// Enqueue adds a request. It fails immediately with ErrQueueFull at
// capacity rather than blocking the caller.
func (q *Queue) Enqueue(id string, prio Priority) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.max {
		return nil, ErrQueueFull
	}

	t := &Ticket{
		ID:         id,
		Priority:   prio,
		EnqueuedAt: q.now(),
		ready:      make(chan error, 1),
	}
	q.seq++
	heap.Push(&q.entries, &queued{t: t, seq: q.seq})
	return t, nil
}

// Admit pops the next live entry and signals it admitted. Entries whose
// wait exceeded the maximum are discarded with ErrQueueTimeout on the way.
// Returns false when the queue is empty.
func (q *Queue) Admit() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) > 0 {
		item := heap.Pop(&q.entries).(*queued)
		if q.now().Sub(item.t.EnqueuedAt) > q.maxWait {
			item.t.ready <- ErrQueueTimeout
			continue
		}
		item.t.ready <- nil
		return true
	}
	return false
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type queued struct {
	t   *Ticket
	seq uint64 // tiebreaker: FIFO within a priority
}

type ticketHeap []*queued

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority > h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}

func (h ticketHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *ticketHeap) Push(x interface{}) {
	*h = append(*h, x.(*queued))
}

func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
