package pool

import "container/heap"

// waiter is one blocked acquire call. The pool hands a connection (or an
// error) over result; exactly one send happens per waiter.
type waiter struct {
	priority Priority
	seq      uint64 // FIFO among equal priorities
	result   chan waiterResult
	tagKey   string // optional tag affinity, informational
	tagValue string
	index    int // heap index, -1 once removed
}

type waiterResult struct {
	conn *Conn
	err  error
}

// waiterQueue is a max-heap by (priority, -seq). A waiter of priority P is
// never overtaken by a later arrival of priority <= P.
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

// push enqueues a waiter.
func (q *waiterQueue) push(w *waiter) { heap.Push(q, w) }

// pop removes and returns the highest-priority waiter, or nil when empty.
func (q *waiterQueue) pop() *waiter {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*waiter)
}

// remove deletes a waiter that is still queued (cancelled acquire).
func (q *waiterQueue) remove(w *waiter) {
	if w.index >= 0 && w.index < q.Len() && (*q)[w.index] == w {
		heap.Remove(q, w.index)
	}
}
