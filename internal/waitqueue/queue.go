package waitqueue

import (
	"container/list"
	"sync/atomic"
)

// Queue is a FIFO queue of pending waiters, grounded on
// golang.org/x/sync/semaphore's waiter list: a plain container/list plus
// lazy unlinking, rather than an intrusive doubly-linked list. Queue
// itself holds no mutex; callers (the primitives in this module) are
// expected to serialize access to it under their own short critical
// section, per spec.md §5's "internal critical sections must be short
// and may not suspend."
type Queue[T any] struct {
	nextID atomic.Uint64
	l      list.List
}

// NextID returns the next FIFO sequence number, monotonically
// increasing across the lifetime of the Queue.
func (q *Queue[T]) NextID() uint64 { return q.nextID.Add(1) }

// PushBack enqueues w at the tail of the queue and returns the
// *list.Element so the caller can remove it directly (e.g. on
// already-cancelled fast-path rejection) without a linear scan.
func (q *Queue[T]) PushBack(w *Waiter[T]) *list.Element {
	return q.l.PushBack(w)
}

// Remove unlinks e from the queue. Safe to call even if e has already
// been removed by a previous Pop.
func (q *Queue[T]) Remove(e *list.Element) {
	if e.Value == nil {
		return
	}
	q.l.Remove(e)
}

// Len returns the number of elements currently linked in the queue,
// including any that are lazily-unlinked Completing/Completed waiters
// not yet swept. Callers needing an exact waiting_count should prefer
// PeekFront-driven draining, or accept this as a best-effort snapshot
// per spec.md §6 ("implementations may expose them as best-effort
// snapshots").
func (q *Queue[T]) Len() int { return q.l.Len() }

// PeekFront returns the Waiter at the head of the queue without
// removing it, or nil if the queue is empty.
func (q *Queue[T]) PeekFront() *Waiter[T] {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Waiter[T])
}

// PopFront removes and returns the Waiter at the head of the queue, or
// nil if empty.
func (q *Queue[T]) PopFront() *Waiter[T] {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*Waiter[T])
}

// DrainPendingFront repeatedly pops the head of the queue, skipping (and
// discarding) any waiter that is no longer Pending, until it finds a
// waiter that is still Pending or the queue is empty. This is the lazy
// unlinking spec.md §3 allows: "once its state leaves Pending, it is
// logically removed from the queue."
func (q *Queue[T]) DrainPendingFront() *Waiter[T] {
	for {
		w := q.PopFront()
		if w == nil {
			return nil
		}
		if w.State() == Pending {
			return w
		}
	}
}

// FailAll fails every waiter still linked in the queue with err, in FIFO
// order, and empties the queue. Used by Dispose implementations.
func (q *Queue[T]) FailAll(err error) {
	for {
		w := q.PopFront()
		if w == nil {
			return
		}
		w.Fail(err)
	}
}
