package mutex

import (
	"container/heap"
	"math"
	"time"
)

// Policy selects how parked waiters are served relative to one another.
type Policy int

const (
	// FIFO serves waiters in arrival order. This is the default.
	FIFO Policy = iota
	// RoundRobin cycles fairly across distinct owners so that one owner
	// issuing many requests cannot starve others.
	RoundRobin
	// PriorityQueue serves the highest-priority waiter first; ties are
	// broken by arrival order (older first).
	PriorityQueue
	// Weighted is PriorityQueue with periodic priority aging: the longer a
	// waiter sits in the queue, the more its effective priority grows.
	Weighted
)

// LockType distinguishes exclusive (write) from shared (read) waiters.
type LockType int

const (
	Write LockType = iota
	Read
)

// WeightedOptions configures the priority-aging curve used by the Weighted
// policy: effective priority = base + min(MaxIncrement, Factor *
// (waitingSeconds)^Exponent).
type WeightedOptions struct {
	AdjustmentInterval time.Duration
	MaxIncrement       float64
	Factor             float64
	Exponent           float64
}

// DefaultWeightedOptions mirrors spec.md §4.A's description of the aging
// curve with conservative, general-purpose constants.
func DefaultWeightedOptions() WeightedOptions {
	return WeightedOptions{
		AdjustmentInterval: 250 * time.Millisecond,
		MaxIncrement:       10,
		Factor:             1,
		Exponent:           1,
	}
}

type waiter struct {
	owner      string
	priority   float64
	typ        LockType
	weight     float64
	enqueuedAt time.Time
	seq        uint64 // monotonic tie-breaker, also used for FIFO order

	ready chan error // receives nil to proceed, or a terminal error

	heapIndex int
}

func (w *waiter) effectivePriority(policy Policy, opts WeightedOptions) float64 {
	if policy != Weighted {
		return w.priority
	}
	waitingSeconds := time.Since(w.enqueuedAt).Seconds()
	increment := opts.Factor * math.Pow(waitingSeconds, opts.Exponent)
	if increment > opts.MaxIncrement {
		increment = opts.MaxIncrement
	}
	return w.priority + increment
}

// waiterHeap is a max-heap ordered by effective priority, then by arrival
// order (lower seq, i.e. older, wins ties).
type waiterHeap struct {
	items  []*waiter
	policy Policy
	opts   WeightedOptions
}

func (h *waiterHeap) Len() int { return len(h.items) }

func (h *waiterHeap) Less(i, j int) bool {
	pi := h.items[i].effectivePriority(h.policy, h.opts)
	pj := h.items[j].effectivePriority(h.policy, h.opts)
	if pi != pj {
		return pi > pj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *waiterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.heapIndex = len(h.items)
	h.items = append(h.items, w)
}

func (h *waiterHeap) Pop() any {
	n := len(h.items)
	w := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	w.heapIndex = -1
	return w
}

// waitQueue is the unified queueing structure backing every Policy.
type waitQueue struct {
	policy Policy
	opts   WeightedOptions

	// fifo/roundRobin storage: append-only slice, removal is O(n) which is
	// acceptable given queues are bounded by concurrent contention, not by
	// total request volume.
	plain []*waiter

	// priority/weighted storage.
	heap *waiterHeap

	// round-robin bookkeeping: rotates through distinct owners.
	rrCursor int

	nextSeq uint64
}

func newWaitQueue(policy Policy, opts WeightedOptions) *waitQueue {
	q := &waitQueue{policy: policy, opts: opts}
	if policy == PriorityQueue || policy == Weighted {
		q.heap = &waiterHeap{policy: policy, opts: opts}
		heap.Init(q.heap)
	}
	return q
}

func (q *waitQueue) push(w *waiter) {
	q.nextSeq++
	w.seq = q.nextSeq
	switch q.policy {
	case PriorityQueue, Weighted:
		heap.Push(q.heap, w)
	default: // FIFO, RoundRobin
		q.plain = append(q.plain, w)
	}
}

func (q *waitQueue) len() int {
	if q.heap != nil {
		return q.heap.Len()
	}
	return len(q.plain)
}

// pop removes and returns the next waiter to serve, or nil if empty.
func (q *waitQueue) pop() *waiter {
	switch q.policy {
	case PriorityQueue, Weighted:
		if q.heap.Len() == 0 {
			return nil
		}
		return heap.Pop(q.heap).(*waiter)
	case RoundRobin:
		return q.popRoundRobin()
	default: // FIFO
		if len(q.plain) == 0 {
			return nil
		}
		w := q.plain[0]
		q.plain = q.plain[1:]
		return w
	}
}

func (q *waitQueue) popRoundRobin() *waiter {
	if len(q.plain) == 0 {
		return nil
	}
	owners := make([]string, 0, len(q.plain))
	seen := map[string]bool{}
	for _, w := range q.plain {
		if !seen[w.owner] {
			seen[w.owner] = true
			owners = append(owners, w.owner)
		}
	}
	if len(owners) == 0 {
		return nil
	}
	if q.rrCursor >= len(owners) {
		q.rrCursor = 0
	}
	target := owners[q.rrCursor]
	q.rrCursor = (q.rrCursor + 1) % len(owners)

	for i, w := range q.plain {
		if w.owner == target {
			q.plain = append(q.plain[:i], q.plain[i+1:]...)
			return w
		}
	}
	return nil
}

// remove removes w from the queue before it is served (used by
// timeout/cancellation). Returns true if it was found and removed.
func (q *waitQueue) remove(target *waiter) bool {
	switch q.policy {
	case PriorityQueue, Weighted:
		for i, w := range q.heap.items {
			if w == target {
				heap.Remove(q.heap, i)
				return true
			}
		}
		return false
	default:
		for i, w := range q.plain {
			if w == target {
				q.plain = append(q.plain[:i], q.plain[i+1:]...)
				return true
			}
		}
		return false
	}
}

// snapshot returns every waiter currently parked, for force-release.
func (q *waitQueue) snapshot() []*waiter {
	if q.heap != nil {
		out := make([]*waiter, len(q.heap.items))
		copy(out, q.heap.items)
		return out
	}
	out := make([]*waiter, len(q.plain))
	copy(out, q.plain)
	return out
}

func (q *waitQueue) clear() {
	q.plain = nil
	if q.heap != nil {
		q.heap.items = nil
	}
}
