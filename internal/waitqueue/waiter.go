// Package waitqueue implements the waiter-record and FIFO-queue
// substrate shared by the semaphore, counter and switchlock primitives
// (spec.md §2, §3 and §9's "Cyclic references" design note).
//
// A Waiter is a one-shot completion slot with a tri-state lifecycle
// (Pending -> Completing -> Completed) arbitrated by a single CAS, the
// same discipline eventloop's ChainedPromise uses for its pending/settled
// transition (promise.go, addHandler/resolve/reject). Exactly one of
// Grant or Fail (used for cancellation, expiry and disposal alike) wins
// for a given Waiter; the loser observes that it lost and acts
// accordingly (e.g. returning a permit it was racily granted).
//
// Queue itself is a thin wrapper around container/list, matching
// golang.org/x/sync/semaphore's waiter list. A waiter that settles while
// still linked is skipped when the queue is next popped from the head;
// the primitives in this module also unlink a cancelled waiter
// themselves as soon as its Fail wins.
package waitqueue

import "sync/atomic"

// State is the lifecycle state of a Waiter. Transitions are one-way.
type State int32

const (
	// Pending waiters are queued and may still be granted, cancelled or
	// disposed.
	Pending State = iota
	// Completing is the transient state between the CAS that won the
	// race and the waiter's channel actually being signalled.
	Completing
	// Completed waiters have been fully resolved; their slot has fired.
	Completed
)

// Waiter is one queued request suspended pending a grant. The zero value
// is not usable; construct with New.
type Waiter[T any] struct {
	id    uint64
	state atomic.Int32
	ready chan struct{}

	// value and err are set exactly once, before ready is closed, by
	// whichever of Grant/Fail wins the CAS race.
	value T
	err   error
}

// New constructs a Waiter with the given FIFO sequence id (see
// Queue.NextID). The id is used only for stable identity and is not
// interpreted by Waiter itself.
func New[T any](id uint64) *Waiter[T] {
	return &Waiter[T]{id: id, ready: make(chan struct{})}
}

// ID returns the waiter's FIFO sequence number.
func (w *Waiter[T]) ID() uint64 { return w.id }

// State returns the waiter's current lifecycle state.
func (w *Waiter[T]) State() State { return State(w.state.Load()) }

// tryComplete attempts the one-way Pending->Completing transition. Only
// the caller that wins may set the result and close ready.
func (w *Waiter[T]) tryComplete() bool {
	return w.state.CompareAndSwap(int32(Pending), int32(Completing))
}

// Grant resolves the waiter successfully with value, if it is still
// Pending. Returns false if another transition already won the race, in
// which case the caller must treat value as not delivered (e.g. return
// an associated permit to the owning primitive instead).
func (w *Waiter[T]) Grant(value T) bool {
	if !w.tryComplete() {
		return false
	}
	w.value = value
	w.state.Store(int32(Completed))
	close(w.ready)
	return true
}

// Fail resolves the waiter with err (e.g. a *DisposedError), if it is
// still Pending. Returns false if another transition already won.
func (w *Waiter[T]) Fail(err error) bool {
	if !w.tryComplete() {
		return false
	}
	w.err = err
	w.state.Store(int32(Completed))
	close(w.ready)
	return true
}

// Done returns a channel closed once the waiter has settled, for use in
// select statements alongside a caller's context.Done().
func (w *Waiter[T]) Done() <-chan struct{} { return w.ready }

// Result returns the waiter's settled value and error. Must only be
// called after Done() has fired.
func (w *Waiter[T]) Result() (T, error) { return w.value, w.err }
