// Package taskstream implements TaskStream: a strict FIFO chain of
// arbitrary work units, where unit n+1 never starts until unit n (and
// anything it does) has fully finished (spec.md §4.5).
//
// Grounded on microbatch.Batcher's single internal goroutine plus a
// synchronous, unbuffered channel handshake (microbatch.go's
// jobCh/run loop): here the "batch size" is always one, so every
// enqueued unit is executed, in arrival order, by the one goroutine that
// ever touches stream state. That single-goroutine property is what
// gives TaskStream its total order for free, without a separate mutex
// around user work.
package taskstream

import (
	"context"
	"sync"
	"sync/atomic"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
)

type streamJob[In, Out any] struct {
	exec     func()
	resultCh chan struct{}
	out      Out
	err      error
}

// TaskStream serializes work units of type In producing results of type
// Out. The zero value is not usable; construct with New.
type TaskStream[In, Out any] struct {
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	jobCh      chan *streamJob[In, Out]
	pending    atomic.Int64
	completing bool
	completed  chan struct{}
}

// New constructs a TaskStream and starts its single background worker.
func New[In, Out any]() *TaskStream[In, Out] {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TaskStream[In, Out]{
		ctx:       ctx,
		cancel:    cancel,
		jobCh:     make(chan *streamJob[In, Out]),
		completed: make(chan struct{}),
	}
	go t.run()
	return t
}

// PendingActions returns a best-effort snapshot of the number of units
// not yet finished, including any currently running.
func (t *TaskStream[In, Out]) PendingActions() int {
	return int(t.pending.Load())
}

// Queue enqueues a synchronous work unit, chaining it behind every unit
// already enqueued on this stream, and blocks for its result. A panic
// inside work is recovered and reported as a *asyncsync.FaultedError;
// the stream itself is unaffected and continues processing subsequent
// units.
func (t *TaskStream[In, Out]) Queue(ctx context.Context, work func(In) Out, in In) (Out, error) {
	return t.enqueue(ctx, in, func(in In) (out Out, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = asyncsync.RecoverToFaultedError(r)
			}
		}()
		out = work(in)
		return out, nil
	})
}

// QueueAsync enqueues a work unit that reports its own success/failure,
// chained exactly like Queue. A non-nil error returned by work, like a
// recovered panic, is reported as a *asyncsync.FaultedError wrapping it.
// "Async" here means the unit's outcome is
// an explicit (Out, error) rather than a bare Out; per spec.md §9's note
// that a thread-based rewrite replaces futures with blocking calls, the
// work itself still runs, and this call still blocks, on the stream's
// single worker.
func (t *TaskStream[In, Out]) QueueAsync(ctx context.Context, work func(In) (Out, error), in In) (Out, error) {
	return t.enqueue(ctx, in, func(in In) (out Out, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = asyncsync.RecoverToFaultedError(r)
			}
		}()
		out, err = work(in)
		if err != nil {
			err = asyncsync.NewFaultedError(err)
		}
		return out, err
	})
}

func (t *TaskStream[In, Out]) enqueue(ctx context.Context, in In, fn func(In) (Out, error)) (Out, error) {
	var zero Out
	if err := ctx.Err(); err != nil {
		return zero, asyncsync.NewCancelledError(err)
	}

	t.mu.Lock()
	if t.completing {
		t.mu.Unlock()
		return zero, &asyncsync.DisposedError{Message: "taskstream: completed"}
	}
	t.pending.Add(1)
	t.mu.Unlock()

	j := &streamJob[In, Out]{resultCh: make(chan struct{})}
	j.exec = func() { j.out, j.err = fn(in) }

	select {
	case t.jobCh <- j:
		// Accepted: from this point the unit is in the chain and will
		// run exactly once, in order.

	case <-ctx.Done():
		// Cancelled before the stream's worker picked it up: removed
		// from the chain without affecting anything queued after it.
		t.finishRejected()
		return zero, asyncsync.NewCancelledError(ctx.Err())
	}

	select {
	case <-j.resultCh:
		return j.out, j.err

	case <-ctx.Done():
		// The unit has already started: per spec.md §4.5 it runs to
		// completion regardless, so wait it out rather than abandoning
		// its result.
		<-j.resultCh
		return j.out, j.err
	}
}

// finishRejected undoes the pending-count bump for a unit that was never
// actually handed to the worker.
func (t *TaskStream[In, Out]) finishRejected() {
	t.mu.Lock()
	newPending := t.pending.Add(-1)
	t.maybeCompleteLocked(newPending)
	t.mu.Unlock()
}

// maybeCompleteLocked must be called with t.mu held. It closes completed
// (idempotently, since it is only ever reached once pending hits zero
// while completing) once no units remain outstanding after Complete has
// been requested.
func (t *TaskStream[In, Out]) maybeCompleteLocked(pending int64) {
	if t.completing && pending == 0 {
		select {
		case <-t.completed:
		default:
			close(t.completed)
			t.cancel()
		}
	}
}

// Complete prevents further Queue/QueueAsync calls and blocks until every
// already-enqueued unit has finished. Idempotent.
func (t *TaskStream[In, Out]) Complete(ctx context.Context) error {
	t.mu.Lock()
	if !t.completing {
		t.completing = true
		t.maybeCompleteLocked(t.pending.Load())
		asynclog.L().Debug().Int64(`pending_actions`, t.pending.Load()).Log("taskstream: complete requested")
	}
	done := t.completed
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TaskStream[In, Out]) run() {
	for {
		select {
		case <-t.ctx.Done():
			return

		case j := <-t.jobCh:
			j.exec()
			close(j.resultCh)
			t.mu.Lock()
			newPending := t.pending.Add(-1)
			t.maybeCompleteLocked(newPending)
			t.mu.Unlock()
		}
	}
}
