package resilience

import (
	"container/heap"
	"context"
	"sync"
)

// Gate bounds the number of operations in flight. When the limit is reached,
// waiters are admitted in priority order, highest first, and in arrival
// order within a priority.
//
// A Gate with a limit of zero or less admits everything immediately.
type Gate struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	seq     uint64
	waiters waiterQueue
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

// NewGate creates a Gate admitting at most limit concurrent holders.
func NewGate(limit int) *Gate {
	return &Gate{limit: limit}
}

// Acquire blocks until a slot is available or ctx is done. On success the
// caller must call Release exactly once.
func (g *Gate) Acquire(ctx context.Context, priority int) error {
	if g.limit <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	if g.inUse < g.limit && g.waiters.Len() == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}

	g.seq++
	w := &waiter{priority: priority, seq: g.seq, ready: make(chan struct{})}
	heap.Push(&g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()

		select {
		case <-w.ready:
			// Admitted while cancelling; keep the slot.
			return nil
		default:
		}
		heap.Remove(&g.waiters, w.index)
		return ctx.Err()
	}
}

// Release returns a slot, handing it directly to the best waiter if any.
func (g *Gate) Release() {
	if g.limit <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		close(w.ready)
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
}

// InUse returns the number of held slots.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiting returns the number of blocked callers.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

// Limit returns the configured limit.
func (g *Gate) Limit() int {
	return g.limit
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
