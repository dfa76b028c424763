package conn

import (
	"fmt"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

// replyDirectAck sends the reserved ack envelope back over this same
// connection, spec.md section 4.10 (C10): the receiver of a direct-ack-bit
// frame replies immediately on the same socket rather than routing the
// reply through the normal distribution/dispatch path, so the original
// sender's ack-wait timer can be cleared without waiting on a full
// round-trip through the distribution manager.
func (c *Connection) replyDirectAck(msgID uint16) error {
	ackEnv := &wire.Envelope{Kind: wire.AckEnvelopeKind}
	payload, err := wire.EncodeEnvelope(ackEnv)
	if err != nil {
		return fmt.Errorf("encode ack envelope: %w", err)
	}

	buf, err := frameBytes(wire.NormalMsgType, msgID, false, payload)
	if err != nil {
		return err
	}

	return c.writeSync(buf, false)
}

// SendDirectAck transmits env with the direct-ack bit set and arms the
// ack-wait escalation timer (spec.md section 4.10/4.11), for callers that
// need request/reply semantics rather than fire-and-forget distribution.
func (c *Connection) SendDirectAck(env *wire.Envelope) error {
	payload, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("conn: %s: encode envelope: %w", c.descriptor, err)
	}

	buf, err := frameBytes(wire.NormalMsgType, wire.NoMessageID, true, payload)
	if err != nil {
		return err
	}

	prevState := c.setState(StateReadingAck)
	_ = prevState
	c.armAckWaitTimer()

	if err := c.writeSync(buf, true); err != nil {
		c.stopAckWaitTimer()
		c.setState(StateIdle)
		return err
	}

	return nil
}

// onAckFrameReceived is invoked from the reader loop when an incoming
// NORMAL frame decodes to the reserved ack envelope kind: it clears the
// ack-wait escalation and returns the connection to Idle.
func (c *Connection) onAckFrameReceived() {
	c.stopAckWaitTimer()
	c.stopSevereAlertTimer()
	c.setState(StateReceivedAck)
	c.setState(StateIdle)
}
