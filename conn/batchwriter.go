package conn

import (
	"sync"
	"time"
)

// batchBufferSize and batchFlushInterval mirror the original
// Connection.java's BATCH_BUFFER_SIZE/BATCH_FLUSH_MS constants, carried
// over as a supplemented feature (SPEC_FULL.md) since the distilled spec
// omits it: an opt-in coalescing buffer for senders that emit many small
// messages in a row, trading a few milliseconds of latency for fewer
// syscalls. Disabled unless Settings.BatchSends is set.
const (
	batchBufferSize    = 32 * 1024
	batchFlushInterval = 50 * time.Millisecond
)

// batchBuffer coalesces consecutive small sync writes into fewer, larger
// socket writes. It is strictly additive to the C8 sync-write path: when
// disabled (the default), writeSync behaves exactly as before.
type batchBuffer struct {
	c *Connection

	mu      sync.Mutex
	buf     []byte
	flusher *time.Timer
}

func newBatchBuffer(c *Connection) *batchBuffer {
	return &batchBuffer{
		c:   c,
		buf: make([]byte, 0, batchBufferSize),
	}
}

// add appends buf to the pending batch, flushing immediately if the
// addition would overflow batchBufferSize, and arming a flush timer
// otherwise so a sparse sender doesn't hold data indefinitely.
func (b *batchBuffer) add(buf []byte) error {
	b.mu.Lock()

	if len(b.buf)+len(buf) > batchBufferSize {
		pending := b.buf
		b.buf = make([]byte, 0, batchBufferSize)
		b.stopFlusherLocked()
		b.mu.Unlock()

		if len(pending) > 0 {
			if err := b.c.writeFullyBlocking(pending); err != nil {
				return err
			}
		}

		if len(buf) >= batchBufferSize {
			return b.c.writeFullyBlocking(buf)
		}

		b.mu.Lock()
	}

	b.buf = append(b.buf, buf...)
	if b.flusher == nil {
		b.flusher = time.AfterFunc(batchFlushInterval, b.timedFlush)
	}
	b.mu.Unlock()

	return nil
}

func (b *batchBuffer) timedFlush() {
	b.mu.Lock()
	pending := b.buf
	b.buf = make([]byte, 0, batchBufferSize)
	b.flusher = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := b.c.writeFullyBlocking(pending); err != nil {
		b.c.log.Warn().Err(err).Msg("batch flush write failed")
	}
}

func (b *batchBuffer) stopFlusherLocked() {
	if b.flusher != nil {
		b.flusher.Stop()
		b.flusher = nil
	}
}

// flushNow forces any pending batched bytes to the wire immediately,
// called from the close path so no batched data is lost on teardown.
func (b *batchBuffer) flushNow() error {
	b.mu.Lock()
	pending := b.buf
	b.buf = make([]byte, 0, batchBufferSize)
	b.stopFlusherLocked()
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return b.c.writeFullyBlocking(pending)
}
