package keyedlock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	asyncsync "github.com/joeycumines/go-asyncsync"
)

func TestAsyncKeyedLock_rejectsNilKey(t *testing.T) {
	k := New[*int]()
	_, err := k.Lock(context.Background(), nil)
	var invalid *asyncsync.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestAsyncKeyedLock_differentKeysDoNotContend(t *testing.T) {
	k := New[int]()
	p0, err := k.Lock(context.Background(), 0)
	require.NoError(t, err)
	p1, err := k.Lock(context.Background(), 1)
	require.NoError(t, err)
	p0.Release()
	p1.Release()
}

func TestAsyncKeyedLock_sameKeyFIFO(t *testing.T) {
	k := New[string]()
	p, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		p2, err := k.Lock(context.Background(), "a")
		assert.NoError(t, err)
		p2.Release()
	}()

	select {
	case <-waiterDone:
		t.Fatal("waiter completed before the first holder released")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	<-waiterDone
}

func TestAsyncKeyedLock_concurrentKeyedContention(t *testing.T) {
	// end-to-end scenario 2: 100 tasks each take lock(i mod 10), bump a
	// counter, delay briefly, release. Final: counter = 100, keys_held
	// empty.
	k := New[int]()
	var counter int64

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			p, err := k.Lock(context.Background(), i%10)
			if err != nil {
				return err
			}
			atomic.AddInt64(&counter, 1)
			time.Sleep(time.Millisecond)
			p.Release()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(100), counter)
	assert.Empty(t, k.KeysHeld())
}

func TestAsyncKeyedLock_keysHeld(t *testing.T) {
	k := New[string]()
	p, err := k.Lock(context.Background(), "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x"}, k.KeysHeld())
	p.Release()
	assert.Empty(t, k.KeysHeld())
}

func TestAsyncKeyedLock_dispose(t *testing.T) {
	k := New[string]()
	p, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := k.Lock(context.Background(), "a")
		waiterErr <- err
	}()

	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		e, ok := k.table["a"]
		return ok && e.refs == 2
	}, time.Second, time.Millisecond)

	disposeDone := make(chan error, 1)
	go func() { disposeDone <- k.Dispose(context.Background()) }()

	var disposed *asyncsync.DisposedError
	require.ErrorAs(t, <-waiterErr, &disposed)

	select {
	case <-disposeDone:
		t.Fatal("dispose resolved before the outstanding holder released")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	require.NoError(t, <-disposeDone)

	_, err = k.Lock(context.Background(), "b")
	require.ErrorAs(t, err, &disposed)

	// idempotent
	require.NoError(t, k.Dispose(context.Background()))
}
