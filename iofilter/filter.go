// Package iofilter implements the pluggable I/O filter (spec C2): a
// plaintext <-> wire byte transform, with plain pass-through and TLS
// variants sharing a receive-buffer lease from bufferpool.
//
// Go's crypto/tls exposes TLS as a net.Conn wrapper rather than the
// buffer-in/buffer-out SSLEngine style spec.md describes (itself lifted
// from the original Java implementation's NIO engine). This package
// adapts the filter boundary to that idiom: Filter exposes the net.Conn
// callers should perform I/O against, rather than raw Wrap/Unwrap byte
// transforms — the reader loop and writers are unaware of which variant
// backs a given connection. See DESIGN.md for the rationale.
package iofilter

import (
	"net"
)

// Filter supplies the net.Conn a connection's reader/writer paths should
// use. For the plain variant this is the raw socket; for the TLS variant
// it is the handshake-wrapped tls.Conn. DoneReading is a hook reserved for
// variants that hand out a shared receive-buffer lease per read cycle
// (spec.md section 4.2); the plain and TLS variants here have no such
// hand-back to perform, since crypto/tls manages its own record buffers.
type Filter interface {
	Conn() net.Conn
	DoneReading()
	Close() error
}

// Factory constructs the Filter for one accepted or dialed connection.
// The TLS variant performs its handshake during construction, per
// spec.md section 4.2.
type Factory interface {
	New(raw net.Conn, descriptor string) (Filter, error)
}
