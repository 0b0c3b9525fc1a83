// Package asyncsync provides the shared substrate used by the
// asynchronous synchronization and scheduling primitives in this module:
// bounded semaphores, counters, keyed locks, a two-color switch lock, a
// strict-FIFO task stream, and a coalescing task flag.
//
// None of the primitives use process-wide state, and none assume a
// particular scheduler: every blocking operation takes a
// context.Context, which doubles as both the cancellation handle and the
// deadline clock. Synchronous try-variants never block.
//
// See the semaphore, counter, keyedlock, switchlock, taskstream and
// taskflag subpackages for the primitives themselves; this package holds
// only what they share: the Permit type and the error kinds raised by
// every primitive's failure model.
package asyncsync
