// Package semaphore implements AsyncSemaphore: a bounded counting
// semaphore with FIFO async waiters, TTL/cancellation on waits,
// try-acquire and asynchronous disposal (spec.md §4.1).
//
// The waiter-list/cancel-race discipline is grounded on
// golang.org/x/sync/semaphore.Weighted: a mutex-guarded waiter list plus
// a per-waiter channel that both the releaser and a cancelling caller
// race to close, with the releaser's CAS-equivalent (re-checking the
// channel under the lock) deciding who actually held the permit. This
// package generalizes that to single-unit acquires with an explicit
// Pending/Completing/Completed waiter state (internal/waitqueue) so a
// waiter that is cancelled after being granted returns its permit
// automatically, and adds asynchronous Dispose.
package semaphore

import (
	"context"
	"sync"
	"time"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
	"github.com/joeycumines/go-asyncsync/internal/waitqueue"
)

// AsyncSemaphore is a bounded counting semaphore. The zero value is not
// usable; construct with New.
type AsyncSemaphore struct {
	mu        sync.Mutex
	maxCount  int64
	curCount  int64
	disposing bool
	disposed  chan struct{}
	queue     waitqueue.Queue[*asyncsync.Permit]
}

// New constructs an AsyncSemaphore with the given maximum combined
// weight for concurrent access. Panics with *asyncsync.InvalidArgumentError
// behavior surfaced as a return value is not possible from a
// constructor, so New instead follows microbatch.NewBatcher's convention
// of panicking on a caller-provided invariant violation (max < 1).
func New(max int64) *AsyncSemaphore {
	if max < 1 {
		panic(&asyncsync.InvalidArgumentError{Message: "semaphore: max count must be >= 1"})
	}
	return &AsyncSemaphore{
		maxCount: max,
		curCount: max,
		disposed: make(chan struct{}),
	}
}

// MaxCount returns the semaphore's immutable maximum count.
func (s *AsyncSemaphore) MaxCount() int64 { return s.maxCount }

// CurrentCount returns a best-effort snapshot of the available count.
func (s *AsyncSemaphore) CurrentCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curCount
}

// WaitingCount returns a best-effort snapshot of the number of queued
// waiters.
func (s *AsyncSemaphore) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// TryAcquire attempts to acquire a permit, per spec.md §4.1's
// try_take(timeout=0). timeout <= 0 is the synchronous path: it returns
// (nil, false) immediately if no permit is available or the semaphore is
// disposed, never blocking. A positive timeout is sugar for a bounded
// blocking Acquire with a deadline of now+timeout; its second return
// value is false only when that deadline (or disposal) is hit first.
func (s *AsyncSemaphore) TryAcquire(timeout time.Duration) (*asyncsync.Permit, bool) {
	if timeout <= 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.disposing || s.curCount <= 0 || s.queue.Len() > 0 {
			return nil, false
		}
		s.curCount--
		return s.newPermit(), true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	permit, err := s.Acquire(ctx)
	if err != nil {
		return nil, false
	}
	return permit, true
}

// Acquire blocks until a permit becomes available, ctx is done, or the
// semaphore is disposed. On success it returns a Permit that must be
// released exactly once to return capacity.
func (s *AsyncSemaphore) Acquire(ctx context.Context) (*asyncsync.Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, asyncsync.NewCancelledError(err)
	}

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return nil, &asyncsync.DisposedError{}
	}
	if s.curCount > 0 && s.queue.Len() == 0 {
		s.curCount--
		permit := s.newPermit()
		s.mu.Unlock()
		return permit, nil
	}

	w := waitqueue.New[*asyncsync.Permit](s.queue.NextID())
	elem := s.queue.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.Done():
		permit, err := w.Result()
		if err != nil {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Granted, but ctx is also done: return the permit rather
			// than hand it to a caller who asked to stop waiting.
			permit.Release()
			return nil, asyncsync.NewCancelledError(ctxErr)
		}
		return permit, nil

	case <-ctx.Done():
		cancelErr := asyncsync.NewCancelledError(ctx.Err())
		if w.Fail(cancelErr) {
			// We won the race: unlink eagerly, since we're already
			// holding no lock and this keeps Len() accurate promptly.
			s.mu.Lock()
			s.queue.Remove(elem)
			s.mu.Unlock()
			return nil, cancelErr
		}
		// Lost the race: a grant or dispose already completed us.
		// Either wait is now instant (Done is closed) or we must
		// return a racily-granted permit, per spec.md §4.1's
		// cancellation/grant race rule.
		<-w.Done()
		permit, err := w.Result()
		if err != nil {
			return nil, err
		}
		// Granted after our cancel lost: return the permit as if
		// releasing, rather than handing it to the caller who asked
		// to stop waiting.
		permit.Release()
		return nil, cancelErr
	}
}

// Dispose marks the semaphore as disposing, fails all queued waiters
// with *asyncsync.DisposedError, and blocks until every outstanding
// permit has been released (current_count == max_count). Idempotent:
// calling it again after the first resolves immediately.
func (s *AsyncSemaphore) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if !s.disposing {
		s.disposing = true
		s.queue.FailAll(&asyncsync.DisposedError{Message: "semaphore"})
		if s.curCount >= s.maxCount {
			close(s.disposed)
		}
		asynclog.L().Debug().Log("semaphore: dispose requested")
	}
	done := s.disposed
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newPermit must be called with s.mu held.
func (s *AsyncSemaphore) newPermit() *asyncsync.Permit {
	return asyncsync.NewPermit(func() { s.release() })
}

func (s *AsyncSemaphore) release() {
	s.mu.Lock()

	// Hand the permit directly to the oldest Pending waiter, if any,
	// without touching curCount - this is the strict-FIFO fairness rule
	// in spec.md §4.1: "A releasing thread must hand the permit to the
	// oldest pending waiter before restoring capacity."
	for {
		w := s.queue.PopFront()
		if w == nil {
			break
		}
		if w.Grant(s.newPermit()) {
			s.mu.Unlock()
			return
		}
		// w was already Completing/Completed (cancelled/expired
		// concurrently with this release): drop it and try the next.
	}

	s.curCount++
	disposing := s.disposing
	atMax := s.curCount >= s.maxCount
	var done chan struct{}
	if disposing && atMax {
		done = s.disposed
	}
	s.mu.Unlock()

	if done != nil {
		closeOnce(done)
	}
}

// closeOnce closes ch, tolerating a concurrent close by recovering the
// resulting panic. Dispose only ever closes s.disposed once under the
// lock (guarded by the disposing bool), so this is purely defensive.
func closeOnce(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}
