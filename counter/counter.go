// Package counter implements AsyncCounter: an unbounded counting
// primitive with increment, decrement (waits when zero), peek (waits
// without consuming), try-variants and a wait-on-any-of-N-counters
// operation (spec.md §4.2).
//
// The decrement/peek queue split and the "increment wakes every pending
// peek before touching value" rule come straight from spec.md §3's
// Counter state invariant. DecrementAny is grounded on the
// scan-then-race-with-cancellation pattern in
// other_examples' kofn.Collect (storj-uplink-cli): try the fast,
// non-blocking path across every candidate first, and only fall back to
// registering (and racing) a waiter on each one if none was immediately
// available.
package counter

import (
	"context"
	"sync"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
	"github.com/joeycumines/go-asyncsync/internal/waitqueue"
)

// AsyncCounter is an unbounded, non-negative counting primitive. The
// zero value is ready to use, with an initial value of 0.
type AsyncCounter struct {
	mu        sync.Mutex
	value     int64
	disposing bool
	decrQ     waitqueue.Queue[struct{}]
	peekQ     waitqueue.Queue[struct{}]
}

// New constructs an AsyncCounter with the given non-negative initial
// value. Panics if initial is negative.
func New(initial int64) *AsyncCounter {
	if initial < 0 {
		panic(&asyncsync.InvalidArgumentError{Message: "counter: initial value must be >= 0"})
	}
	return &AsyncCounter{value: initial}
}

// Value returns a best-effort snapshot of the counter's current value.
func (c *AsyncCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Dispose marks the counter as disposing and fails every queued decrement
// and peek waiter with *asyncsync.DisposedError. Unlike the other
// primitives in this module a counter has no outstanding-permit concept
// to drain, so Dispose never blocks on anything but ctx. Idempotent.
func (c *AsyncCounter) Dispose(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.disposing {
		c.disposing = true
		disposedErr := &asyncsync.DisposedError{Message: "counter"}
		c.decrQ.FailAll(disposedErr)
		c.peekQ.FailAll(disposedErr)
		asynclog.L().Debug().Log("counter: dispose requested")
	}
	c.mu.Unlock()
	return nil
}

// Increment adds one to the counter. If a decrement waiter is at the
// head of the queue, the unit is transferred directly to it and value
// is left unchanged; otherwise value is incremented. Every waiter
// currently queued on Peek is resolved first, regardless of which path
// is taken, per spec.md §4.2. Returns a *asyncsync.DisposedError if the
// counter has been disposed.
func (c *AsyncCounter) Increment() error {
	c.mu.Lock()
	if c.disposing {
		c.mu.Unlock()
		return &asyncsync.DisposedError{Message: "counter"}
	}

	for {
		w := c.peekQ.PopFront()
		if w == nil {
			break
		}
		w.Grant(struct{}{})
	}

	for {
		w := c.decrQ.PopFront()
		if w == nil {
			c.value++
			break
		}
		if w.Grant(struct{}{}) {
			break
		}
		// w already settled by a concurrent cancel/dispose: drop it
		// and try the next queued decrement waiter.
	}
	c.mu.Unlock()
	return nil
}

// TryDecrement consumes one unit without blocking. Returns false if the
// counter is zero, disposed, or disposing.
func (c *AsyncCounter) TryDecrement() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposing || c.value <= 0 {
		return false
	}
	c.value--
	return true
}

// TryPeek reports whether the counter is currently positive, without
// consuming a unit. Returns false if disposed or disposing.
func (c *AsyncCounter) TryPeek() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disposing && c.value > 0
}

// Decrement consumes one unit, blocking until one is available, ctx is
// done, or the counter is disposed.
func (c *AsyncCounter) Decrement(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return asyncsync.NewCancelledError(err)
	}

	c.mu.Lock()
	if c.disposing {
		c.mu.Unlock()
		return &asyncsync.DisposedError{Message: "counter"}
	}
	if c.value > 0 {
		c.value--
		c.mu.Unlock()
		return nil
	}

	w := waitqueue.New[struct{}](c.decrQ.NextID())
	elem := c.decrQ.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.Done():
		if _, err := w.Result(); err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Transferred a unit, but ctx is also done: give the unit
			// back rather than consume it for a caller who cancelled.
			c.returnUnit()
			return asyncsync.NewCancelledError(ctxErr)
		}
		return nil

	case <-ctx.Done():
		cancelErr := asyncsync.NewCancelledError(ctx.Err())
		if w.Fail(cancelErr) {
			c.mu.Lock()
			c.decrQ.Remove(elem)
			c.mu.Unlock()
			return cancelErr
		}
		// A unit was transferred to us right as we tried to cancel.
		// We don't want it: give it back (to the next decrement
		// waiter, or to value) rather than silently dropping it.
		c.returnUnit()
		return cancelErr
	}
}

// Peek blocks until the counter is observed to be positive, ctx is done,
// or the counter is disposed. It never consumes a unit.
func (c *AsyncCounter) Peek(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return asyncsync.NewCancelledError(err)
	}

	c.mu.Lock()
	if c.disposing {
		c.mu.Unlock()
		return &asyncsync.DisposedError{Message: "counter"}
	}
	if c.value > 0 {
		c.mu.Unlock()
		return nil
	}

	w := waitqueue.New[struct{}](c.peekQ.NextID())
	elem := c.peekQ.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.Done():
		_, err := w.Result()
		return err

	case <-ctx.Done():
		cancelErr := asyncsync.NewCancelledError(ctx.Err())
		if w.Fail(cancelErr) {
			c.mu.Lock()
			c.peekQ.Remove(elem)
			c.mu.Unlock()
			return cancelErr
		}
		// Lost the race to an Increment that already resolved us:
		// peek never consumes, so there's nothing to give back.
		return cancelErr
	}
}

// returnUnit transfers one unit to the next pending decrement waiter, or
// adds it back to value if there isn't one. Used when a Decrement caller
// cancels after racily receiving a transfer.
func (c *AsyncCounter) returnUnit() {
	c.mu.Lock()
	for {
		w := c.decrQ.PopFront()
		if w == nil {
			c.value++
			break
		}
		if w.Grant(struct{}{}) {
			break
		}
	}
	c.mu.Unlock()
}

// DecrementAny decrements the first of counters whose try-decrement
// succeeds, scanning in order. If none is immediately available, it
// registers a waiter on every counter and returns the index of whichever
// completes first, cancelling the rest. Returns an error (and index -1)
// if ctx is done before any counter yields a unit, or if all registered
// waits fail (e.g. every counter disposed).
func DecrementAny(ctx context.Context, counters ...*AsyncCounter) (int, error) {
	if len(counters) == 0 {
		return -1, &asyncsync.InvalidArgumentError{Message: "counter: DecrementAny requires at least one counter"}
	}
	if err := ctx.Err(); err != nil {
		return -1, asyncsync.NewCancelledError(err)
	}

	for i, c := range counters {
		if c.TryDecrement() {
			return i, nil
		}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, len(counters))
	for i, c := range counters {
		i, c := i, c
		go func() {
			err := c.Decrement(raceCtx)
			results <- outcome{idx: i, err: err}
		}()
	}

	first := <-results
	cancel()

	var winner *outcome
	if first.err == nil {
		w := first
		winner = &w
	}

	for k := 1; k < len(counters); k++ {
		o := <-results
		if o.err != nil {
			continue
		}
		if winner == nil {
			winner = &o
			continue
		}
		// A loser was granted a unit concurrently with losing the race
		// (or with an earlier winner being picked): give it back rather
		// than letting it vanish.
		counters[o.idx].returnUnit()
	}

	if winner == nil {
		asynclog.L().Debug().Log("counter: DecrementAny found no available counter")
		return -1, first.err
	}
	return winner.idx, nil
}
