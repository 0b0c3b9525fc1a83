// Package keyedlock implements AsyncKeyedLock: an indexed collection of
// lazily-created, per-key single-permit locks (spec.md §4.3).
//
// Each key maps to a *semaphore.AsyncSemaphore(1), created on first use
// and removed once its holder+waiter count drops back to zero, per
// spec.md §3's "Keyed lock state": "a per-key entry: a single-permit
// semaphore plus a reference count of holders+waiters. When the count
// hits zero the entry is removed." Reusing semaphore.AsyncSemaphore here
// (rather than reimplementing FIFO/cancel-race handling) keeps the
// same-key contention path grounded in the same waiter discipline as
// AsyncSemaphore itself.
package keyedlock

import (
	"context"
	"reflect"
	"sync"

	"golang.org/x/exp/maps"

	asyncsync "github.com/joeycumines/go-asyncsync"
	"github.com/joeycumines/go-asyncsync/asynclog"
	"github.com/joeycumines/go-asyncsync/semaphore"
)

type entry struct {
	sem  *semaphore.AsyncSemaphore
	refs int64 // holders + waiters; entry is removed from table at zero
	held int64 // outstanding granted permits only, for KeysHeld
}

// AsyncKeyedLock is an indexed collection of per-key mutual-exclusion
// locks. The zero value is not usable; construct with New.
type AsyncKeyedLock[K comparable] struct {
	mu        sync.Mutex
	table     map[K]*entry
	disposing bool
	disposed  chan struct{}
}

// New constructs an empty AsyncKeyedLock.
func New[K comparable]() *AsyncKeyedLock[K] {
	return &AsyncKeyedLock[K]{
		table:    make(map[K]*entry),
		disposed: make(chan struct{}),
	}
}

// isNilKey reports whether key is a nil-valued reference type (pointer,
// interface, map, slice, chan or func), the generic stand-in for "null
// key" from spec.md §4.3. Value keys (ints, strings, structs) are never
// rejected by this check.
func isNilKey(key any) bool {
	if key == nil {
		return true
	}
	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// Lock acquires the single permit associated with key, creating its
// entry if this is the first concurrent holder or waiter. Independent
// keys never contend with one another; same-key callers queue strict
// FIFO via the underlying per-key semaphore.
func (k *AsyncKeyedLock[K]) Lock(ctx context.Context, key K) (*asyncsync.Permit, error) {
	if isNilKey(any(key)) {
		return nil, &asyncsync.InvalidArgumentError{Message: "keyedlock: key must not be nil"}
	}
	if err := ctx.Err(); err != nil {
		return nil, asyncsync.NewCancelledError(err)
	}

	k.mu.Lock()
	if k.disposing {
		k.mu.Unlock()
		return nil, &asyncsync.DisposedError{Message: "keyedlock"}
	}
	e, ok := k.table[key]
	if !ok {
		e = &entry{sem: semaphore.New(1)}
		k.table[key] = e
	}
	e.refs++
	k.mu.Unlock()

	sp, err := e.sem.Acquire(ctx)
	if err != nil {
		k.unref(key, e)
		return nil, err
	}

	k.mu.Lock()
	e.held++
	k.mu.Unlock()

	return asyncsync.NewPermit(func() {
		sp.Release()
		k.mu.Lock()
		e.held--
		k.mu.Unlock()
		k.unref(key, e)
	}), nil
}

// unref decrements e's holder+waiter refcount, removing its table entry
// (and, if this was the last entry while disposing, resolving Dispose)
// once it reaches zero.
func (k *AsyncKeyedLock[K]) unref(key K, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		if cur, ok := k.table[key]; ok && cur == e {
			delete(k.table, key)
		}
	}
	disposing := k.disposing
	empty := len(k.table) == 0
	done := k.disposed
	k.mu.Unlock()

	if disposing && empty {
		closeOnce(done)
	}
}

// KeysHeld returns a best-effort, unordered snapshot of the keys
// currently held by at least one outstanding permit (not merely
// waited-on).
func (k *AsyncKeyedLock[K]) KeysHeld() []K {
	k.mu.Lock()
	defer k.mu.Unlock()
	held := make(map[K]struct{}, len(k.table))
	for key, e := range k.table {
		if e.held > 0 {
			held[key] = struct{}{}
		}
	}
	return maps.Keys(held)
}

// Dispose marks the lock as disposing, fails every queued waiter on
// every key with *asyncsync.DisposedError, and blocks until every
// key's entry has drained (no holders, no waiters). Idempotent.
func (k *AsyncKeyedLock[K]) Dispose(ctx context.Context) error {
	k.mu.Lock()
	if !k.disposing {
		k.disposing = true
		if len(k.table) == 0 {
			close(k.disposed)
		}
		asynclog.L().Debug().Int64(`keys`, int64(len(k.table))).Log("keyedlock: dispose requested")
	}
	entries := make([]*entry, 0, len(k.table))
	for _, e := range k.table {
		entries = append(entries, e)
	}
	done := k.disposed
	k.mu.Unlock()

	for _, e := range entries {
		e := e
		go func() { _ = e.sem.Dispose(context.Background()) }()
	}

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
