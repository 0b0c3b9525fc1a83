package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	asyncsync "github.com/joeycumines/go-asyncsync"
)

func TestNew_panicsOnInvalidMax(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(-1) })
}

func TestAsyncSemaphore_mutexScenario(t *testing.T) {
	// end-to-end scenario 1: build AsyncSemaphore(1); A acquires
	// immediately; B suspends; A releases; B completes; final state is
	// current_count = 1, waiting_count = 0.
	s := New(1)

	permitA, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), s.CurrentCount())

	bDone := make(chan struct{})
	go func() {
		defer close(bDone)
		permitB, err := s.Acquire(context.Background())
		assert.NoError(t, err)
		permitB.Release()
	}()

	// give B a chance to enqueue
	require.Eventually(t, func() bool { return s.WaitingCount() == 1 }, time.Second, time.Millisecond)

	permitA.Release()
	<-bDone

	assert.Equal(t, int64(1), s.CurrentCount())
	assert.Equal(t, 0, s.WaitingCount())
}

func TestAsyncSemaphore_tryAcquire(t *testing.T) {
	s := New(1)

	p, ok := s.TryAcquire(0)
	require.True(t, ok)
	require.NotNil(t, p)

	_, ok = s.TryAcquire(0)
	assert.False(t, ok)

	p.Release()

	p2, ok := s.TryAcquire(0)
	assert.True(t, ok)
	p2.Release()
}

func TestAsyncSemaphore_tryAcquireWithTimeout(t *testing.T) {
	s := New(1)
	p, ok := s.TryAcquire(0)
	require.True(t, ok)

	// no capacity available within the timeout: fails rather than
	// blocking forever.
	start := time.Now()
	_, ok = s.TryAcquire(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// a release before the deadline lets the bounded wait succeed.
	releaseDone := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Release()
		close(releaseDone)
	}()
	p2, ok := s.TryAcquire(time.Second)
	require.True(t, ok)
	require.NotNil(t, p2)
	<-releaseDone
	p2.Release()
}

func TestAsyncSemaphore_cancelledBeforeAcquire(t *testing.T) {
	s := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Acquire(ctx)
	var cancelled *asyncsync.CancelledError
	require.ErrorAs(t, err, &cancelled)
}

func TestAsyncSemaphore_cancelWhileWaitingDoesNotLeakPermit(t *testing.T) {
	// boundary: a waiter cancelled the microsecond before being granted
	// must not leak the permit.
	s := New(1)
	holder, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	waiterErrCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx)
		waiterErrCh <- err
	}()

	require.Eventually(t, func() bool { return s.WaitingCount() == 1 }, time.Second, time.Millisecond)

	// cancel and release concurrently, racing the grant
	cancel()
	holder.Release()

	err = <-waiterErrCh
	// whichever side won, the permit must not be stranded: either the
	// waiter got it and the cancel path returned an error (permit given
	// back), or the waiter's cancel won outright.
	if err == nil {
		t.Fatal("waiter should never report success after its own context was cancelled")
	}

	require.Eventually(t, func() bool {
		p, ok := s.TryAcquire(0)
		if ok {
			p.Release()
		}
		return ok
	}, time.Second, time.Millisecond)
}

func TestAsyncSemaphore_dispose(t *testing.T) {
	s := New(2)
	p1, err := s.Acquire(context.Background())
	require.NoError(t, err)

	disposeDone := make(chan error, 1)
	go func() { disposeDone <- s.Dispose(context.Background()) }()

	// new acquires fail once disposing
	require.Eventually(t, func() bool {
		_, err := s.Acquire(context.Background())
		var disposed *asyncsync.DisposedError
		return err != nil && errors.As(err, &disposed)
	}, time.Second, time.Millisecond)

	select {
	case <-disposeDone:
		t.Fatal("dispose resolved before outstanding permit was released")
	case <-time.After(20 * time.Millisecond):
	}

	p1.Release()

	require.NoError(t, <-disposeDone)

	// second dispose call resolves immediately
	require.NoError(t, s.Dispose(context.Background()))
}

func TestAsyncSemaphore_disposeFailsQueuedWaiters(t *testing.T) {
	s := New(1)
	p, err := s.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return s.WaitingCount() == 1 }, time.Second, time.Millisecond)

	go func() { _ = s.Dispose(context.Background()) }()

	err = <-waiterErr
	var disposed *asyncsync.DisposedError
	require.ErrorAs(t, err, &disposed)

	p.Release()
}

func TestAsyncSemaphore_stackSafety(t *testing.T) {
	// §4.1 "Recursive chains": 40,000 chained acquirers must not blow the
	// stack via synchronous resolution inside release.
	s := New(1)
	const n = 40_000

	p, err := s.Acquire(context.Background())
	require.NoError(t, err)

	var g errgroup.Group
	var mu sync.Mutex
	order := make([]int, 0, n)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			p, err := s.Acquire(context.Background())
			if err != nil {
				return err
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release()
			return nil
		})
	}

	// let every goroutine enqueue before releasing the first holder
	require.Eventually(t, func() bool { return s.WaitingCount() == n }, 5*time.Second, time.Millisecond)

	p.Release()

	require.NoError(t, g.Wait())
	assert.Len(t, order, n)
}
