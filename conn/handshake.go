package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Meander-Cloud/go-p2plink/handshake"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// reconnectWaitTime is spec.md section 6's RECONNECT_WAIT_TIME: the
// interval between retries of a failed preamble/reply exchange over an
// already-dialed socket. TLS handshake failures never reach this loop at
// all — iofilter.Factory.New runs in Serve before doSenderHandshakeWithRetry
// is called, and a failure there returns immediately with no retry, per
// spec.md section 4.5's "no retry on TLS handshake failure".
const reconnectWaitTime = 2 * time.Second

// ErrMemberLeft is returned by doSenderHandshakeWithRetry once membership
// reports the remote gone, shunned, or the local node shutting down —
// the loop's only non-cancellation stop condition, per spec.md section 4.5.
var ErrMemberLeft = errors.New("conn: member left view")

// doSenderHandshakeWithRetry retries a failed preamble/reply exchange
// every RECONNECT_WAIT_TIME for as long as the remote remains a live
// membership-view target, escalating to Suspect once ackWaitTimeout has
// elapsed and to a severe-alert log once ackWaitTimeout+ackSATimeout has,
// per spec.md section 4.5 (C5). Escalation only fires once each; after the
// severe-alert threshold the loop keeps retrying without further
// escalation until membership reports the member gone or the local node
// is cancelled. Grounded on EthanHeilman-bzero/.../dataconnection/
// connection.go's backoff-driven reconnect loop, generalized from a
// bounded exponential backoff to an unbounded fixed-interval one gated on
// external membership state via backoff.Permanent stop errors.
func (c *Connection) doSenderHandshakeWithRetry() error {
	member := c.connKey()
	start := time.Now()
	suspected := false
	severeAlerted := false

	b := backoff.NewConstantBackOff(reconnectWaitTime)

	return backoff.Retry(func() error {
		if c.cancelled() {
			return backoff.Permanent(fmt.Errorf("conn: %s: cancelled during handshake retry", c.descriptor))
		}

		if c.deps.Membership.HasLeft(member) || c.deps.Membership.IsShunned(member) || c.deps.Membership.ShutdownInProgress() {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrMemberLeft, member))
		}

		err := c.doSenderHandshake()
		if err == nil {
			return nil
		}

		elapsed := time.Since(start)
		if !suspected && c.settings.AckWaitTimeout > 0 && elapsed >= c.settings.AckWaitTimeout {
			suspected = true
			if c.deps.Membership.IsSuspect(member) {
				// another connection or the failure detector already
				// raised suspicion against this member; no need to
				// duplicate it.
				c.log.Debug().Str("member", member).Msg("handshake retry exceeded ack-wait threshold, member already suspect")
			} else {
				c.log.Warn().Str("member", member).Dur("elapsed", elapsed).Msg("handshake retry exceeded ack-wait threshold, suspecting member")
				c.deps.Membership.Suspect(member, "handshake-retry-ack-wait")
			}
		}
		if !severeAlerted && c.settings.AckSATimeout > 0 && elapsed >= c.settings.AckWaitTimeout+c.settings.AckSATimeout {
			severeAlerted = true
			c.log.Error().Str("member", member).Dur("elapsed", elapsed).Msg("handshake retry exceeded severe-alert threshold, continuing to retry without further escalation")
		}

		c.log.Debug().Err(err).Str("member", member).Msg("sender handshake attempt failed, retrying")
		return err
	}, b)
}

// doSenderHandshake writes the preamble and blocks for the receiver's
// reply, spec.md section 4.6 (C5/C6). Invoked once, before the reader loop
// starts, on whichever goroutine is driving connection setup.
func (c *Connection) doSenderHandshake() error {
	c.setWriteDeadline(c.settings.HandshakeTimeout)
	defer c.setWriteDeadline(0)

	preamble := &wire.HandshakePreamble{
		Member:         *c.self,
		SharedResource: c.sharedResource,
		PreserveOrder:  c.preserveOrder,
		UniqueID:       c.uniqueID,
		VersionOrdinal: c.versionOrdinal,
		DominoCount:    c.dominoCount,
	}

	buf, err := handshake.EncodePreamble(preamble)
	if err != nil {
		return fmt.Errorf("conn: %s: encode preamble: %w", c.descriptor, err)
	}
	// spec.md section 4.5: the preamble goes out as one NORMAL frame, not
	// as raw bytes; the receiver reads it back through the same framing.
	if err := handshake.WriteFrame(c.filter.Conn(), wire.NormalMsgType, wire.NoMessageID, false, buf); err != nil {
		return fmt.Errorf("conn: %s: write preamble: %w", c.descriptor, err)
	}

	replyBuf, err := readHandshakeReplyFrame(c, c.settings.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("conn: %s: read reply: %w", c.descriptor, err)
	}

	reply, err := handshake.ParseReply(replyBuf)
	if err != nil {
		return fmt.Errorf("conn: %s: parse reply: %w", c.descriptor, err)
	}

	if reply.Code == wire.ReplyCodeOKWithAsyncInfo {
		// the receiver is telling us what async parameters it expects this
		// link to honor; spec.md section 4.6 has the sender adopt them.
		if reply.AsyncDistributionTimeoutMS > 0 {
			c.settings.AsyncDistributionTimeout = time.Millisecond * time.Duration(reply.AsyncDistributionTimeoutMS)
		}
		if reply.AsyncQueueTimeoutMS > 0 {
			c.settings.AsyncQueueTimeout = time.Millisecond * time.Duration(reply.AsyncQueueTimeoutMS)
		}
		if reply.AsyncMaxQueueSize > 0 {
			c.settings.AsyncMaxQueueSize = uint64(reply.AsyncMaxQueueSize)
		}
	}

	// spec.md section 4.6: async mode is a property of this link, decided
	// once from the receiver's reply, not a per-message choice.
	c.asyncMode.Store(c.preserveOrder && c.settings.AsyncDistributionTimeout != 0)

	c.handshakeRead.Store(true)
	c.connected.Store(true)
	return nil
}

// doReceiverHandshake reads the sender's preamble and replies, spec.md
// section 4.6. Surfaces the peer identity so the caller can register the
// connection in the table before the reader loop begins.
func (c *Connection) doReceiverHandshake() (*wire.MemberIdentity, error) {
	c.setWriteDeadline(c.settings.HandshakeTimeout)
	defer c.setWriteDeadline(0)

	// the preamble's own zero-byte/version-byte prefix travels inside the
	// frame payload (spec.md section 4.5), so payload is handed to
	// ParsePreamble unchanged.
	_, payload, err := handshake.ReadFrame(deadlineReader{c})
	if err != nil {
		return nil, fmt.Errorf("conn: %s: read preamble frame: %w", c.descriptor, err)
	}

	preamble, err := handshake.ParsePreamble(payload)
	if err != nil {
		replyErr := c.writeHandshakeErrorReply()
		if replyErr != nil {
			c.log.Error().Err(replyErr).Msg("failed to write handshake error reply")
		}
		return nil, fmt.Errorf("conn: %s: parse preamble: %w", c.descriptor, err)
	}

	c.sharedResource = preamble.SharedResource
	c.preserveOrder = preamble.PreserveOrder
	c.uniqueID = preamble.UniqueID
	c.versionOrdinal = preamble.VersionOrdinal
	c.dominoCount = preamble.DominoCount

	if c.dominoCount > handshake.DominoLimit {
		return nil, fmt.Errorf("conn: %s: domino count %d exceeds limit %d, refusing thread-owned chain", c.descriptor, c.dominoCount, handshake.DominoLimit)
	}

	reply := &wire.HandshakeReply{Code: wire.ReplyCodeOK}
	if c.settings.AsyncDistributionTimeout > 0 || c.settings.AsyncQueueTimeout > 0 || c.settings.AsyncMaxQueueSize > 0 {
		reply.Code = wire.ReplyCodeOKWithAsyncInfo
		reply.AsyncDistributionTimeoutMS = int32(c.settings.AsyncDistributionTimeout / time.Millisecond)
		reply.AsyncQueueTimeoutMS = int32(c.settings.AsyncQueueTimeout / time.Millisecond)
		reply.AsyncMaxQueueSize = int32(c.settings.AsyncMaxQueueSize)
	}

	replyBuf, err := handshake.EncodeReply(reply)
	if err != nil {
		return nil, fmt.Errorf("conn: %s: encode reply: %w", c.descriptor, err)
	}

	// spec.md section 4.6: the remote is registered as a surprise member
	// and the OK reply written back both under the handshake-sync
	// monitor, so a concurrent Close cannot tear the socket down between
	// registration and reply (SPEC_FULL.md section 11).
	c.handshakeSyncMu.Lock()
	if c.handshakeCancelled.Load() {
		c.handshakeSyncMu.Unlock()
		return nil, fmt.Errorf("conn: %s: handshake cancelled", c.descriptor)
	}

	if err := c.deps.Membership.SurpriseMember(&preamble.Member); err != nil {
		c.log.Warn().Err(err).Msg("surprise member registration failed")
	}

	if err := c.writeFullyBlocking(replyBuf); err != nil {
		c.handshakeSyncMu.Unlock()
		return nil, fmt.Errorf("conn: %s: write reply: %w", c.descriptor, err)
	}

	c.handshakeRead.Store(true)
	c.connected.Store(true)
	c.handshakeSyncCond.Broadcast()
	c.handshakeSyncMu.Unlock()

	return &preamble.Member, nil
}

func (c *Connection) writeHandshakeErrorReply() error {
	// the original protocol has no distinct error reply code; silence is
	// the signal, the sender's read will time out or see EOF on close.
	return nil
}

// readHandshakeReplyFrame reads the single-byte-or-more reply body
// directly, since the reply has no length-prefixed frame of its own (it is
// not a NORMAL/CHUNK frame, just a raw reply-code byte plus optional body).
func readHandshakeReplyFrame(c *Connection, timeout time.Duration) ([]byte, error) {
	c.setWriteDeadline(0)
	_ = c.filter.Conn().SetReadDeadline(time.Now().Add(timeout))
	defer c.filter.Conn().SetReadDeadline(time.Time{})

	// reply body is small and fixed-shape (code byte + optional msgpack
	// async-info struct); a short read buffer is ample.
	buf := make([]byte, 64)
	n, err := c.filter.Conn().Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// deadlineReader adapts Connection's underlying net.Conn to io.Reader for
// handshake.ReadFrame, which needs only Read.
type deadlineReader struct {
	c *Connection
}

func (d deadlineReader) Read(p []byte) (int, error) {
	return d.c.filter.Conn().Read(p)
}
