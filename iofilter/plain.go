package iofilter

import (
	"net"
)

// PlainFilter is the pass-through variant: Conn returns the raw socket
// unchanged, per spec.md section 4.2.
type PlainFilter struct {
	conn net.Conn
}

type PlainFactory struct{}

func (PlainFactory) New(raw net.Conn, _ string) (Filter, error) {
	return &PlainFilter{conn: raw}, nil
}

func (f *PlainFilter) Conn() net.Conn {
	return f.conn
}

func (f *PlainFilter) DoneReading() {}

func (f *PlainFilter) Close() error {
	return f.conn.Close()
}
