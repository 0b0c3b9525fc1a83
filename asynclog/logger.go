// Package asynclog provides the structured logging integration shared by
// this module's primitives. It wraps github.com/joeycumines/logiface
// (using the github.com/joeycumines/stumpy JSON backend by default), in
// the same package-level, swappable-logger shape as
// eventloop/logging.go: a single global logger instance guarded by an
// RWMutex, defaulting to a no-op so primitives pay nothing unless a
// caller opts in with SetLogger.
//
// Primitives in this module only ever log disposal transitions, a
// DecrementAny that found no counter, and recovered panics from TaskFlag
// callbacks - never anything on an uncontended fast path.
package asynclog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func defaultLogger() *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(stumpy.L.WithStumpy(), stumpy.L.WithLevel(logiface.LevelDisabled))
}

var (
	mu      sync.RWMutex
	current = defaultLogger()
)

// SetLogger replaces the package-level logger used by every primitive in
// this module. Passing nil restores the default (disabled: stumpy-backed,
// but at LevelDisabled, so every call is a no-op until a caller opts in).
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		current = defaultLogger()
		return
	}
	current = l
}

// L returns the current package-level logger. Safe for concurrent use;
// callers should not retain the result across a SetLogger call if they
// need to observe the change.
func L() *logiface.Logger[*stumpy.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
