package switchlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	asyncsync "github.com/joeycumines/go-asyncsync"
)

func TestAsyncSwitchLock_fairness(t *testing.T) {
	// end-to-end scenario 3: take Left, enqueue Right, enqueue Left while
	// Right is pending, release the first Left. Right must complete
	// first; the second Left waits for Right's release.
	s := New()

	left1, err := s.LockLeft(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsLeft())

	rightDone := make(chan *asyncsync.Permit, 1)
	go func() {
		p, err := s.LockRight(context.Background())
		assert.NoError(t, err)
		rightDone <- p
	}()
	require.Eventually(t, func() bool { return s.WaitingRight() == 1 }, time.Second, time.Millisecond)

	var order []string
	left2Done := make(chan struct{})
	go func() {
		defer close(left2Done)
		p, err := s.LockLeft(context.Background())
		assert.NoError(t, err)
		order = append(order, "left2")
		p.Release()
	}()
	require.Eventually(t, func() bool { return s.WaitingLeft() == 1 }, time.Second, time.Millisecond)

	left1.Release()

	rightPermit := <-rightDone
	order = append(order, "right")

	select {
	case <-left2Done:
		t.Fatal("second Left must not complete before Right releases, in fair mode")
	case <-time.After(20 * time.Millisecond):
	}

	rightPermit.Release()
	<-left2Done

	require.Equal(t, []string{"right", "left2"}, order)
}

func TestAsyncSwitchLock_unfairness(t *testing.T) {
	// end-to-end scenario 4: same sequence with unfair mode - the second
	// Left completes immediately while Right is still waiting.
	s := New(WithUnfair())

	left1, err := s.LockLeft(context.Background())
	require.NoError(t, err)

	rightErr := make(chan error, 1)
	go func() {
		_, err := s.LockRight(context.Background())
		rightErr <- err
	}()
	require.Eventually(t, func() bool { return s.WaitingRight() == 1 }, time.Second, time.Millisecond)

	left2, err := s.LockLeft(context.Background())
	require.NoError(t, err)

	select {
	case <-rightErr:
		t.Fatal("Right must still be waiting in unfair mode while Left is active")
	case <-time.After(20 * time.Millisecond):
	}

	left1.Release()
	left2.Release()

	require.NoError(t, <-rightErr)
}

func TestAsyncSwitchLock_sameSideConcurrency(t *testing.T) {
	s := New()
	p1, err := s.LockLeft(context.Background())
	require.NoError(t, err)
	p2, err := s.LockLeft(context.Background())
	require.NoError(t, err)
	p1.Release()
	p2.Release()
}

func TestAsyncSwitchLock_stackSafety(t *testing.T) {
	// boundary: 40,000 alternating acquirers must not exhaust the stack.
	s := New()
	const n = 40_000

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if i%2 == 0 {
				p, err := s.LockLeft(context.Background())
				if err != nil {
					return err
				}
				p.Release()
			} else {
				p, err := s.LockRight(context.Background())
				if err != nil {
					return err
				}
				p.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestAsyncSwitchLock_dispose(t *testing.T) {
	s := New()
	p, err := s.LockLeft(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := s.LockRight(context.Background())
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return s.WaitingRight() == 1 }, time.Second, time.Millisecond)

	disposeDone := make(chan error, 1)
	go func() { disposeDone <- s.Dispose(context.Background()) }()

	var disposed *asyncsync.DisposedError
	require.ErrorAs(t, <-waiterErr, &disposed)

	select {
	case <-disposeDone:
		t.Fatal("dispose resolved while a holder was still active")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	require.NoError(t, <-disposeDone)

	_, err = s.LockLeft(context.Background())
	require.ErrorAs(t, err, &disposed)

	require.NoError(t, s.Dispose(context.Background()))
}
