package iofilter

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// ErrTLSHandshakeFailed marks a failure of the TLS handshake itself, as
// opposed to a plain I/O error on an already-established socket. Callers
// that retry connection setup (conn.doSenderHandshakeWithRetry) use this
// to distinguish a cert/protocol rejection, which retrying cannot fix,
// from a transient network error, which it can.
var ErrTLSHandshakeFailed = errors.New("iofilter: tls handshake failed")

// TLSFactory produces TLS-wrapped filters. Server constructs the TLS
// server side (for accepted connections); a nil Server config means this
// factory only dials (acts as client).
type TLSFactory struct {
	ClientConfig *tls.Config
	ServerConfig *tls.Config
	IsServer     bool
}

// New performs the TLS handshake once, at construction, per spec.md
// section 4.2.
func (f *TLSFactory) New(raw net.Conn, descriptor string) (Filter, error) {
	var tlsConn *tls.Conn
	if f.IsServer {
		if f.ServerConfig == nil {
			return nil, fmt.Errorf("iofilter: nil ServerConfig for %s", descriptor)
		}
		tlsConn = tls.Server(raw, f.ServerConfig)
	} else {
		tlsConn = tls.Client(raw, f.ClientConfig)
	}

	if err := tlsConn.Handshake(); err != nil {
		log.Error().Str("descriptor", descriptor).Err(err).Msg("tls handshake failed")
		return nil, fmt.Errorf("%w: %s: %s", ErrTLSHandshakeFailed, descriptor, err)
	}

	return &TLSFilter{conn: tlsConn}, nil
}

// TLSFilter wraps a completed tls.Conn. crypto/tls owns its own
// session-sized record buffers internally; this filter does not lease a
// separate buffer from bufferpool the way a raw SSLEngine binding would,
// since there is no equivalent seam to attach one to.
type TLSFilter struct {
	conn *tls.Conn
}

func (f *TLSFilter) Conn() net.Conn {
	return f.conn
}

func (f *TLSFilter) DoneReading() {}

func (f *TLSFilter) Close() error {
	return f.conn.Close()
}
