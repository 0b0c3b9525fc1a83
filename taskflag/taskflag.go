// Package taskflag implements TaskFlag: a coalesced "some work needs
// doing soon" notification (spec.md §4.6). At any instant at most one
// callback invocation is running and at most one more is queued; a burst
// of Set calls while a run is in progress collapses into exactly one
// follow-up run.
//
// The single-worker-goroutine-per-active-period shape mirrors
// microbatch.Batcher's run loop (one goroutine owns all state
// transitions for the life of a run), generalized from "flush a batch"
// to "run a user callback, then re-check whether another Set arrived."
package taskflag

import (
	"context"
	"sync"
	"time"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
)

// Option configures a TaskFlag at construction.
type Option func(*TaskFlag)

// WithDelay sets a coalescing delay: each scheduled run waits up to d
// after being triggered before invoking the callback, during which
// further Set calls are absorbed for free.
func WithDelay(d time.Duration) Option {
	return func(t *TaskFlag) { t.delay = d }
}

// TaskFlag coalesces repeated "do some work" signals into a bounded
// sequence of callback invocations. The zero value is not usable;
// construct with New.
type TaskFlag struct {
	mu          sync.Mutex
	callback    func(context.Context)
	delay       time.Duration
	running     bool
	pending     bool
	nextWaiters []chan struct{}
	disposing   bool
	disposed    chan struct{}
}

// New constructs a TaskFlag that invokes callback on each coalesced run.
// Panics if callback is nil.
func New(callback func(context.Context), opts ...Option) *TaskFlag {
	if callback == nil {
		panic(&asyncsync.InvalidArgumentError{Message: "taskflag: callback must not be nil"})
	}
	t := &TaskFlag{
		callback: callback,
		disposed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set marks the flag pending. If no run is currently in progress, one is
// scheduled (after the configured delay, if any). A no-op once disposed.
func (t *TaskFlag) Set() {
	t.mu.Lock()
	if t.disposing {
		t.mu.Unlock()
		return
	}
	t.pending = true
	start := !t.running
	if start {
		t.running = true
	}
	t.mu.Unlock()

	if start {
		go t.loop()
	}
}

// SetAndWait behaves like Set, but then blocks until a run which begins
// at or after this call's Set observation has completed, or ctx is done.
func (t *TaskFlag) SetAndWait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return asyncsync.NewCancelledError(err)
	}

	t.mu.Lock()
	if t.disposing {
		t.mu.Unlock()
		return &asyncsync.DisposedError{Message: "taskflag"}
	}
	t.pending = true
	ch := make(chan struct{})
	t.nextWaiters = append(t.nextWaiters, ch)
	start := !t.running
	if start {
		t.running = true
	}
	t.mu.Unlock()

	if start {
		go t.loop()
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return asyncsync.NewCancelledError(ctx.Err())
	}
}

// loop owns a contiguous span of one-or-more coalesced runs: it keeps
// re-triggering, without spawning a new goroutine, for as long as Set
// was called again while the previous run was executing.
func (t *TaskFlag) loop() {
	for {
		t.mu.Lock()
		delay := t.delay
		t.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		t.mu.Lock()
		t.pending = false
		myWaiters := t.nextWaiters
		t.nextWaiters = nil
		t.mu.Unlock()

		t.invoke()

		t.mu.Lock()
		for _, ch := range myWaiters {
			close(ch)
		}
		if t.pending {
			t.mu.Unlock()
			continue
		}
		t.running = false
		shouldClose := t.disposing
		t.mu.Unlock()

		if shouldClose {
			closeOnce(t.disposed)
		}
		return
	}
}

// invoke runs the user callback, recovering and logging (rather than
// propagating) any panic: per spec.md §7 a callback that throws must not
// prevent the pending bit from being re-examined on the next Set.
func (t *TaskFlag) invoke() {
	defer func() {
		if r := recover(); r != nil {
			err := asyncsync.RecoverToFaultedError(r)
			asynclog.L().Err().Err(err.Unwrap()).Log("taskflag: callback panicked")
		}
	}()
	t.callback(context.Background())
}

// Dispose marks the flag as disposing; it blocks until no run is in
// progress. Idempotent. A run already scheduled before Dispose is called
// still executes to completion.
func (t *TaskFlag) Dispose(ctx context.Context) error {
	t.mu.Lock()
	if !t.disposing {
		t.disposing = true
		if !t.running {
			close(t.disposed)
		}
	}
	done := t.disposed
	t.mu.Unlock()

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
