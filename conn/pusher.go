package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

// maxWaitTime is the doubling poll interval ceiling for the async
// trip-over probe, spec.md section 6 (MAX_WAIT_TIME=32ms).
const maxWaitTime = 32 * time.Millisecond

// eligibleForAsync reports whether this connection uses the async
// queue+pusher path at all: spec.md section 4.9 restricts it to
// preserving-order shared senders in async mode.
func (c *Connection) eligibleForAsync() bool {
	return c.preserveOrder && c.sharedResource && c.asyncMode.Load()
}

// Send is the single entry point producers use to transmit an envelope.
// It builds the wire frame, then either writes synchronously (C8) or
// attempts a non-blocking write that trips over into the async queue
// (C9), depending on eligibility and how much of the write completes
// promptly.
func (c *Connection) Send(env *wire.Envelope, directAck bool) error {
	if c.cancelled() {
		return fmt.Errorf("conn: %s: not connected", c.descriptor)
	}

	payload, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("conn: %s: encode envelope: %w", c.descriptor, err)
	}

	buf, err := frameBytes(wire.NormalMsgType, wire.NoMessageID, directAck, payload)
	if err != nil {
		return err
	}

	if !c.eligibleForAsync() {
		return c.writeSync(buf, true)
	}

	return c.sendAsyncEligible(buf, env.ConflationKey, true)
}

func frameBytes(msgType wire.MessageType, id uint16, directAck bool, payload []byte) ([]byte, error) {
	hdr := make([]byte, wire.HeaderBytes)
	if err := wire.PackHeader(hdr, uint32(len(payload)), msgType, id, directAck); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	out := make([]byte, 0, len(hdr)+len(payload))
	out = append(out, hdr...)
	out = append(out, payload...)
	return out, nil
}

// sendAsyncEligible implements spec.md section 4.9 steps 1-4: attempt a
// prompt write, and if it does not complete within
// asyncDistributionTimeout, queue the remainder and ensure a pusher is
// running.
func (c *Connection) sendAsyncEligible(buf []byte, conflationKey string, conflatable bool) error {
	c.outLock.Lock()

	prevState := c.setState(StateSending)
	c.socketInUse.Store(true)
	c.markTransmissionStart()

	start := time.Now()
	written := 0
	wait := time.Millisecond
	deadline := start.Add(c.settings.AsyncDistributionTimeout)

	for written < len(buf) {
		if c.cancelled() {
			c.socketInUse.Store(false)
			c.setState(prevState)
			c.clearTransmissionStart()
			c.outLock.Unlock()
			return fmt.Errorf("conn: %s: cancelled", c.descriptor)
		}

		if c.settings.AsyncDistributionTimeout > 0 && time.Now().After(deadline) {
			break
		}

		// emulate a non-blocking write attempt with a short deadline;
		// crypto/tls and plain net.Conn both honor SetWriteDeadline.
		c.setWriteDeadline(wait)
		n, err := c.filter.Conn().Write(buf[written:])
		c.filter.Conn().SetWriteDeadline(time.Time{})
		written += n

		if err != nil {
			if !isTimeoutErr(err) {
				c.socketInUse.Store(false)
				c.setState(prevState)
				c.clearTransmissionStart()
				c.outLock.Unlock()
				return fmt.Errorf("conn: %s: write failed: %w", c.descriptor, err)
			}
			// treated as "would block": fall through to poll again
		}

		if written >= len(buf) {
			break
		}

		if c.settings.AsyncDistributionTimeout == 0 {
			// no grace window configured: trip over immediately
			break
		}

		if wait < maxWaitTime {
			wait *= 2
			if wait > maxWaitTime {
				wait = maxWaitTime
			}
		}
	}

	c.socketInUse.Store(false)

	if written >= len(buf) {
		c.setState(prevState)
		c.clearTransmissionStart()
		c.outLock.Unlock()
		c.messagesSent.Add(1)
		c.markAccessed()
		return nil
	}

	// trip over into async queuing (spec.md section 4.9 step 2). A
	// partial write means bytes are already committed to the wire, so
	// the remainder is no longer conflatable — replacing it later would
	// corrupt the framing already sent.
	remainder := make([]byte, len(buf)-written)
	copy(remainder, buf[written:])

	remainderConflatable := conflatable && written == 0

	c.setState(StatePostSending)
	c.outLock.Unlock()

	return c.enqueueAndEnsurePusher(remainder, conflationKey, remainderConflatable)
}

func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// enqueueAndEnsurePusher performs spec.md section 4.9 steps 3-5: conflate
// on enqueue, enforce the queue size ceiling, and make sure exactly one
// pusher goroutine is running.
func (c *Connection) enqueueAndEnsurePusher(buf []byte, conflationKey string, conflatable bool) error {
	newTotal := c.asyncQueue.QueuedBytes() + uint64(len(buf))
	if newTotal > c.settings.AsyncMaxQueueSize {
		c.asyncQueue.noteSizeExceeded()
		c.deps.Dispatch.Stats().IncAsyncQueueSizeExceeded()
		if err := c.disconnectSlowReceiver(); err != nil {
			c.log.Error().Err(err).Msg("failed to disconnect slow receiver")
		}
		return fmt.Errorf("conn: %s: forced disconnect sent to %s", c.descriptor, c.connKey())
	}

	if conflated := c.asyncQueue.enqueue(buf, conflationKey, conflatable); conflated {
		c.deps.Dispatch.Stats().IncAsyncConflatedMsgs()
	}

	c.ensurePusherRunning()
	c.markAccessed()

	return nil
}

// ensurePusherRunning starts the pusher goroutine if one is not already
// active for this connection.
func (c *Connection) ensurePusherRunning() {
	if c.asyncQueuingInProgress.CompareAndSwap(false, true) {
		c.t.Go(c.pusherLoop)
	}
}

// pusherLoop is the dedicated writer task, spec.md section 4.9 step 5: it
// dequeues in FIFO order, skipping tombstones internally (outgoingQueue
// handles that), writes blockingly, and exits once the queue drains and
// no producer is mid-flush.
func (c *Connection) pusherLoop() error {
	defer c.asyncQueuingInProgress.Store(false)
	defer c.asyncQueue.signalClose()

	idleStart := time.Time{}

	for {
		if c.cancelled() {
			return nil
		}

		buf, ok := c.asyncQueue.dequeue(c.cancelled)
		if !ok {
			return nil
		}

		c.outLock.Lock()
		prevState := c.setState(StateSending)
		c.socketInUse.Store(true)
		c.markTransmissionStart()

		err := c.writeFullyBlocking(buf)

		c.socketInUse.Store(false)
		c.setState(prevState)
		c.clearTransmissionStart()
		c.outLock.Unlock()

		if err != nil {
			if isTimeoutErr(err) {
				if idleStart.IsZero() {
					idleStart = time.Now()
				} else if time.Since(idleStart) > c.settings.AsyncQueueTimeout {
					if derr := c.disconnectSlowReceiver(); derr != nil {
						c.log.Error().Err(derr).Msg("failed to disconnect slow receiver on queue timeout")
					}
					return fmt.Errorf("conn: %s: async queue timeout exceeded", c.descriptor)
				}
				// requeue at the front is not attempted; the original
				// blocks indefinitely on a blocking write instead of
				// polling, so timeouts here only occur if the caller
				// configured a write deadline elsewhere.
				continue
			}
			c.log.Error().Err(err).Msg("pusher write failed, closing connection")
			c.CloseForReconnect()
			return err
		}

		idleStart = time.Time{}
		c.messagesSent.Add(1)
		c.markAccessed()
	}
}

// disconnectSlowReceiver asks membership to force-remove the remote and
// blocks until that has propagated or a grace period elapses, per
// spec.md section 4.9 step 4.
func (c *Connection) disconnectSlowReceiver() error {
	if !c.disconnectRequested.CompareAndSwap(false, true) {
		return nil
	}

	member := c.connKey()
	c.log.Warn().Str("member", member).Msg("slow receiver detected, requesting forced disconnect")

	done := make(chan error, 1)
	go func() {
		done <- c.deps.Membership.ForceDisconnect(member)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.log.Error().Err(err).Msg("membership force-disconnect failed")
		}
	case <-time.After(SlowReceiverGracePeriod):
		c.log.Warn().Str("member", member).Msg("force-disconnect grace period elapsed")
	}

	c.CloseForReconnect()
	return nil
}

// SlowReceiverGracePeriod bounds how long disconnectSlowReceiver waits for
// membership's force-removal to propagate, spec.md section 4.9 step 4.
const SlowReceiverGracePeriod = 3 * time.Second
