package asyncsync

import "sync/atomic"

// Permit is an owned capability returned from a successful acquire on any
// of this module's primitives. Releasing it is the only way to return
// capacity to the primitive that issued it.
//
// Dropping a Permit without calling Release does not return its
// capacity: the owning primitive does not finalize the grant on garbage
// collection, so callers that forget to release leak capacity the same
// way a forgotten sync.Mutex.Unlock would.
// Releasing a Permit twice is a no-op; it never corrupts the owning
// primitive's count.
type Permit struct {
	release func()
	done    atomic.Bool
}

// NewPermit constructs a Permit whose first Release call invokes fn.
// Intended for use by primitive implementations in this module and its
// subpackages; application code only ever receives Permits, never builds
// them directly.
func NewPermit(fn func()) *Permit {
	return &Permit{release: fn}
}

// Release returns the permit's capacity to its owning primitive. Only
// the first call has any effect.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	if p.done.CompareAndSwap(false, true) {
		if p.release != nil {
			p.release()
		}
	}
}
