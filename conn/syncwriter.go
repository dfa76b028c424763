package conn

import (
	"fmt"
	"time"
)

// writeSync performs a blocking, fully-drained write under the output
// lock (spec.md section 4.8, C8). It does not decide sync vs async; the
// caller (Send) has already made that decision.
func (c *Connection) writeSync(buf []byte, countsAsSent bool) error {
	c.outLock.Lock()
	defer c.outLock.Unlock()

	prevState := c.setState(StateSending)
	defer c.setState(prevState)

	c.socketInUse.Store(true)
	defer c.socketInUse.Store(false)

	c.markTransmissionStart()
	defer c.clearTransmissionStart()

	// the I/O filter's Conn() already performs plaintext<->wire
	// translation transparently (TLS via crypto/tls, plain via the raw
	// socket) — see iofilter package doc.
	var writeErr error
	if c.batch != nil {
		writeErr = c.batch.add(buf)
	} else {
		writeErr = c.writeFullyBlocking(buf)
	}
	if writeErr != nil {
		return fmt.Errorf("conn: %s: write failed: %w", c.descriptor, writeErr)
	}

	if countsAsSent {
		c.messagesSent.Add(1)
	}
	c.markAccessed()

	return nil
}

// writeFullyBlocking loops channel.write until the buffer is fully
// drained, per spec.md section 4.8. It blocks only on TCP.
func (c *Connection) writeFullyBlocking(buf []byte) error {
	written := 0
	for written < len(buf) {
		if c.cancelled() {
			return fmt.Errorf("conn: %s: cancelled", c.descriptor)
		}
		n, err := c.filter.Conn().Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// setWriteDeadline is a small helper used by both the sync writer and the
// handshake exchange to bound a single write, mirroring the teacher's
// tcpWriteDeadline convention in net/tcp/protocol/server.go.
func (c *Connection) setWriteDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	_ = c.filter.Conn().SetWriteDeadline(time.Now().Add(d))
}
