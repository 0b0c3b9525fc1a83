// Package switchlock implements AsyncSwitchLock: a single lock with two
// sides, Left and Right, where many holders may share the active side
// concurrently but the opposite side must wait for the active side to
// fully drain before it gets a turn (spec.md §4.4).
//
// Built directly on internal/waitqueue, the same FIFO/cancel-race
// substrate semaphore.AsyncSemaphore uses, with two queues instead of
// one and a side-flip on drain instead of a simple release.
package switchlock

import (
	"context"
	"sync"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
	"github.com/joeycumines/go-asyncsync/internal/waitqueue"
)

type side int32

const (
	sideNone side = iota
	sideLeft
	sideRight
)

// Option configures an AsyncSwitchLock at construction.
type Option func(*AsyncSwitchLock)

// WithUnfair enables unfair admission: a new request on the currently
// active side is admitted immediately regardless of queued waiters on
// the opposite side, trading starvation risk for throughput.
func WithUnfair() Option {
	return func(s *AsyncSwitchLock) { s.unfair = true }
}

// AsyncSwitchLock is a two-sided lock where concurrent holders of the
// same side don't contend, but the two sides strictly alternate.
type AsyncSwitchLock struct {
	mu        sync.Mutex
	side      side
	active    int64
	leftQ     waitqueue.Queue[*asyncsync.Permit]
	rightQ    waitqueue.Queue[*asyncsync.Permit]
	unfair    bool
	disposing bool
	disposed  chan struct{}
}

// New constructs an AsyncSwitchLock. By default it is fair: a request on
// the active side is refused (and queued) once the opposite side has any
// waiter. Pass WithUnfair to change that.
func New(opts ...Option) *AsyncSwitchLock {
	s := &AsyncSwitchLock{disposed: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsLeft reports whether Left is the currently active side.
func (s *AsyncSwitchLock) IsLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side == sideLeft
}

// IsRight reports whether Right is the currently active side.
func (s *AsyncSwitchLock) IsRight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side == sideRight
}

// WaitingLeft returns a best-effort snapshot of the number of queued
// Left waiters.
func (s *AsyncSwitchLock) WaitingLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leftQ.Len()
}

// WaitingRight returns a best-effort snapshot of the number of queued
// Right waiters.
func (s *AsyncSwitchLock) WaitingRight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rightQ.Len()
}

// LockLeft acquires a Left-side permit, per the admission rule selected
// at construction (fair by default, WithUnfair otherwise).
func (s *AsyncSwitchLock) LockLeft(ctx context.Context) (*asyncsync.Permit, error) {
	return s.lock(ctx, sideLeft)
}

// LockRight acquires a Right-side permit, symmetric to LockLeft.
func (s *AsyncSwitchLock) LockRight(ctx context.Context) (*asyncsync.Permit, error) {
	return s.lock(ctx, sideRight)
}

func (s *AsyncSwitchLock) lock(ctx context.Context, want side) (*asyncsync.Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, asyncsync.NewCancelledError(err)
	}

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return nil, &asyncsync.DisposedError{Message: "switchlock"}
	}

	myQ, otherQ := s.queues(want)
	admit := s.side == sideNone || s.side == want
	if admit && !s.unfair {
		admit = otherQ.Len() == 0
	}
	if admit {
		s.side = want
		s.active++
		permit := s.newPermit(want)
		s.mu.Unlock()
		return permit, nil
	}

	w := waitqueue.New[*asyncsync.Permit](myQ.NextID())
	elem := myQ.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.Done():
		permit, err := w.Result()
		if err != nil {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			permit.Release()
			return nil, asyncsync.NewCancelledError(ctxErr)
		}
		return permit, nil

	case <-ctx.Done():
		cancelErr := asyncsync.NewCancelledError(ctx.Err())
		if w.Fail(cancelErr) {
			s.mu.Lock()
			myQ.Remove(elem)
			s.mu.Unlock()
			return nil, cancelErr
		}
		<-w.Done()
		permit, err := w.Result()
		if err != nil {
			return nil, err
		}
		permit.Release()
		return nil, cancelErr
	}
}

// queues returns (this side's queue, the opposite side's queue).
func (s *AsyncSwitchLock) queues(want side) (mine, other *waitqueue.Queue[*asyncsync.Permit]) {
	if want == sideLeft {
		return &s.leftQ, &s.rightQ
	}
	return &s.rightQ, &s.leftQ
}

func flip(want side) side {
	if want == sideLeft {
		return sideRight
	}
	return sideLeft
}

// newPermit must be called with s.mu held.
func (s *AsyncSwitchLock) newPermit(want side) *asyncsync.Permit {
	return asyncsync.NewPermit(func() { s.release(want) })
}

// release drops one holder of side want. When that was the last active
// holder on the side, the entire opposite queue is released in FIFO
// order and the side flips, per spec.md §4.4.
func (s *AsyncSwitchLock) release(want side) {
	s.mu.Lock()
	s.active--
	if s.active > 0 {
		s.mu.Unlock()
		return
	}

	opposite := flip(want)
	_, otherQ := s.queues(want)
	granted := false
	for {
		w := otherQ.PopFront()
		if w == nil {
			break
		}
		if w.Grant(s.newPermit(opposite)) {
			if !granted {
				s.side = opposite
				s.active = 1
				granted = true
			} else {
				s.active++
			}
		}
	}
	if !granted {
		s.side = sideNone
	}

	disposing := s.disposing
	done := s.disposed
	quiescent := s.active == 0 && s.leftQ.Len() == 0 && s.rightQ.Len() == 0
	s.mu.Unlock()

	if disposing && quiescent {
		closeOnce(done)
	}
}

// Dispose marks the lock as disposing, fails every queued waiter on both
// sides with *asyncsync.DisposedError, and blocks until no side has any
// active holder. Idempotent.
func (s *AsyncSwitchLock) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if !s.disposing {
		s.disposing = true
		disposedErr := &asyncsync.DisposedError{Message: "switchlock"}
		s.leftQ.FailAll(disposedErr)
		s.rightQ.FailAll(disposedErr)
		if s.active == 0 {
			close(s.disposed)
		}
		asynclog.L().Debug().Int64(`active`, s.active).Log("switchlock: dispose requested")
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

func closeOnce(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}
