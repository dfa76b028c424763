package conn

import (
	"fmt"
	"time"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

// NewReceiver constructs a Connection for an inbound accept, role unknown
// until the handshake preamble names it (spec.md section 3/4.6).
func NewReceiver(deps Deps, settings Settings, self *wire.MemberIdentity) *Connection {
	c := newBaseConnection(deps, settings, nil, RoleReceiver, self)
	c.uniqueID = NextUniqueID()
	c.asyncQueue = newOutgoingQueue()
	c.setDescriptor(fmt.Sprintf("[recv]%s<-?", self.Instance))
	return c
}

// NewSender constructs a Connection this process is originating toward
// peer, with the ordering/sharing mode the caller (the connection table's
// owner) has decided for this link, spec.md section 3.
func NewSender(deps Deps, settings Settings, self, peer *wire.MemberIdentity, sharedResource, preserveOrder bool) *Connection {
	c := newBaseConnection(deps, settings, nil, RoleSender, self)
	c.peer.Store(peer)
	c.sharedResource = sharedResource
	c.preserveOrder = preserveOrder
	c.uniqueID = NextUniqueID()
	c.asyncQueue = newOutgoingQueue()
	c.setDescriptor(fmt.Sprintf("[send]%s->%s", self.Instance, peer.Instance))
	return c
}

// teardown runs exactly once per connection, idempotently, from the defer
// in Serve. It is the single choke point for C12's close invariants:
// stop timers, wake any blocked pusher/waiters, and hand the socket to the
// bounded async closer rather than blocking the reader goroutine on
// Close()'s syscall.
func (c *Connection) teardown() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	c.closing.Store(true)
	c.connected.Store(false)
	c.stopAllTimers()
	c.asyncQueue.signalClose()

	if c.batch != nil {
		if err := c.batch.flushNow(); err != nil {
			c.log.Debug().Err(err).Msg("final batch flush failed")
		}
	}

	c.handshakeSyncMu.Lock()
	c.handshakeSyncCond.Broadcast()
	c.handshakeSyncMu.Unlock()

	if c.filter != nil {
		closeAsync(c.filter)
	} else if c.sock != nil {
		c.sock.Close()
	}

	c.log.Info().
		Uint64("messagesSent", c.messagesSent.Load()).
		Uint64("messagesReceived", c.messagesReceived.Load()).
		Msg("connection closed")
}

// Close requests an orderly shutdown of this connection: the reader loop
// observes c.closing on its next suspension point and the pusher (if
// running) drains or abandons its queue, per spec.md section 4.12.
func (c *Connection) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	if !c.handshakeRead.Load() {
		c.handshakeCancelled.Store(true)
	}
	// blocks until any in-flight surprise-member-registration-plus-reply
	// critical section in doReceiverHandshake releases the monitor, so
	// that sequence either completes cleanly or observes
	// handshakeCancelled before it starts, never half-way (spec.md
	// section 4.6, SPEC_FULL.md section 11).
	c.handshakeSyncMu.Lock()
	c.handshakeSyncCond.Broadcast()
	c.handshakeSyncMu.Unlock()

	c.asyncQueue.signalClose()

	if c.sock != nil {
		// unblocks a reader goroutine parked in a blocking Read with no
		// deadline; teardown() performs the real bounded close.
		_ = c.sock.SetReadDeadline(time.Now())
	}

	return c.joinReaderBounded()
}

// CloseForReconnect is Close plus intent: the caller (socket package's
// reconnect loop) should treat this as a signal to re-dial, not a
// permanent teardown, spec.md section 4.5.
func (c *Connection) CloseForReconnect() error {
	return c.Close()
}

// joinReaderBounded waits for teardown to complete up to two escalating
// deadlines before giving up, matching the original implementation's
// two-phase reader-thread join (a short wait, then a longer one, logging
// if the second also elapses) rather than blocking forever.
func (c *Connection) joinReaderBounded() error {
	const firstWait = 500 * time.Millisecond
	const secondWait = 1500 * time.Millisecond
	const pollEvery = 5 * time.Millisecond

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	deadline1 := time.Now().Add(firstWait)
	for time.Now().Before(deadline1) {
		if c.stopped.Load() {
			return nil
		}
		<-ticker.C
	}

	deadline2 := time.Now().Add(secondWait)
	for time.Now().Before(deadline2) {
		if c.stopped.Load() {
			return nil
		}
		<-ticker.C
	}

	c.log.Warn().Msg("reader goroutine did not join within bounded timeout")
	return fmt.Errorf("conn: %s: reader join timed out", c.descriptor)
}

// IsConnected reports whether the handshake has completed and the
// connection has not begun closing.
func (c *Connection) IsConnected() bool {
	return c.connected.Load() && !c.closing.Load()
}
