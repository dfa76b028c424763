package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/Meander-Cloud/go-p2plink/conntable"
	"github.com/Meander-Cloud/go-p2plink/reassembler"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// Serve is the connection's blocking entry point, matching the shape of
// the teacher's ReadLoop(conn net.Conn): it owns the connection's entire
// lifetime on the calling goroutine (normally one per-accept goroutine
// handed to us by github.com/Meander-Cloud/go-transport/tcp), performing
// handshake, registration, and the frame read loop, and only returns once
// the connection is fully torn down.
func (c *Connection) Serve(sock net.Conn) {
	c.sock = sock

	filter, err := c.deps.Filters.New(sock, c.descriptor)
	if err != nil {
		c.log.Error().Err(err).Msg("io filter construction failed")
		sock.Close()
		return
	}
	c.filter = filter

	defer c.teardown()

	if c.role == RoleReceiver {
		// doReceiverHandshake performs surprise-member registration and
		// the OK reply itself, both under the handshake-sync monitor
		// (spec.md section 4.6, SPEC_FULL.md section 11).
		peer, err := c.doReceiverHandshake()
		if err != nil {
			c.log.Warn().Err(err).Msg("receiver handshake failed")
			return
		}
		c.setPeer(peer)
		c.setDescriptor(fmt.Sprintf("[recv]%s<-%s", c.self.Instance, peer.Instance))
	} else {
		if err := c.doSenderHandshakeWithRetry(); err != nil {
			c.log.Warn().Err(err).Msg("sender handshake failed")
			return
		}
	}

	key := conntable.Key{
		Remote:     c.connKey(),
		Ordered:    c.preserveOrder,
		Shared:     c.sharedResource,
		IsReceiver: c.IsReceiver(),
	}
	c.deps.Table.Put(key, c)
	defer c.deps.Table.Remove(key)

	c.finishedConnecting.Store(true)
	c.armIdleTimer()

	c.readLoop()
}

// readLoop implements C7: read a 7-byte header, then its payload into the
// connection's leased receive buffer, then branch on message type.
// Grounded on the teacher's ReadLoop outer for{} shape, generalized from
// one-message-per-read to the header-then-payload framing spec.md defines.
func (c *Connection) readLoop() {
	c.lease = c.deps.Vendor.Open(c.descriptor)
	defer func() {
		c.lease.Release()
		c.filter.DoneReading()
	}()

	hdrBuf := make([]byte, wire.HeaderBytes)

	for {
		// suspension point: the connection observes the local cancel
		// criterion here on every iteration and aborts silently, per
		// spec.md section 5 and section 7's Cancellation taxonomy entry.
		if c.cancelled() {
			return
		}

		c.setState(StateReading)

		if _, err := io.ReadFull(c.filter.Conn(), hdrBuf); err != nil {
			if !c.cancelled() {
				if errors.Is(err, io.EOF) {
					c.log.Info().Msg("peer closed connection")
				} else {
					c.log.Warn().Err(err).Msg("header read failed")
				}
			}
			return
		}

		// suspension point: a cancel raised while the header read above
		// was in flight is observed here before the payload read starts.
		if c.cancelled() {
			return
		}

		hdr, err := wire.UnpackHeader(hdrBuf)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad frame header, closing connection")
			return
		}

		c.lease.Grow(int(hdr.Length))
		payload := c.lease.Bytes()[:hdr.Length]
		if hdr.Length > 0 {
			if _, err := io.ReadFull(c.filter.Conn(), payload); err != nil {
				if !c.cancelled() {
					c.log.Warn().Err(err).Msg("payload read failed")
				}
				return
			}
		}

		c.markAccessed()
		c.stopIdleTimer()
		c.armIdleTimer()

		if err := c.handleFrame(hdr, payload); err != nil {
			c.log.Warn().Err(err).Msg("frame handling failed, closing connection")
			return
		}
	}
}

func (c *Connection) handleFrame(hdr wire.Header, payload []byte) error {
	switch hdr.Type {
	case wire.NormalMsgType:
		return c.deliverPayload(payload, hdr.DirectAck, hdr.ID)

	case wire.ChunkedMsgType:
		// payload aliases the shared lease buffer; copy before handing to
		// the reassembler, which retains it across reads.
		cp := make([]byte, len(payload))
		copy(cp, payload)
		if err := c.reassembly.OnChunk(hdr.ID, cp); err != nil {
			return fmt.Errorf("reassembler: %w", err)
		}
		return nil

	case wire.EndChunkedMsgType:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		full, err := c.reassembly.OnEndChunk(hdr.ID, cp)
		if err != nil && !errors.Is(err, reassembler.ErrChunkProtocolError) {
			return fmt.Errorf("reassembler: %w", err)
		}
		if err != nil {
			c.log.Debug().Uint16("msgId", hdr.ID).Msg("end-chunk with no prior chunk, treating as single-shot")
		}
		// reassembled bytes decode through the reassembler package's own
		// wrapper rather than wire.DecodeEnvelope directly, so the
		// serialization boundary for reassembled messages stays in one
		// place alongside the accumulation logic that produced them.
		env, err := reassembler.DecodeReassembled(full)
		if err != nil {
			return fmt.Errorf("decode reassembled envelope: %w", err)
		}
		return c.deliverEnvelope(env, hdr.DirectAck, hdr.ID)

	default:
		return fmt.Errorf("%w: 0x%02x", wire.ErrUnknownMessageType, byte(hdr.Type))
	}
}

// deliverPayload decodes a NORMAL frame's payload and hands it off via
// deliverEnvelope (spec.md section 4.10, C10).
func (c *Connection) deliverPayload(payload []byte, directAck bool, msgID uint16) error {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return c.deliverEnvelope(env, directAck, msgID)
}

// deliverEnvelope hands an already-decoded envelope to the distribution
// manager, replying on the wire immediately if the frame carried the
// direct-ack bit (spec.md section 4.10, C10). Shared by the NORMAL and
// reassembled-chunk delivery paths.
func (c *Connection) deliverEnvelope(env *wire.Envelope, directAck bool, msgID uint16) error {
	if env.Kind == wire.AckEnvelopeKind {
		c.onAckFrameReceived()
		return nil
	}

	c.messagesReceived.Add(1)
	c.deps.Dispatch.Stats().IncMessagesReceived()

	if err := c.deps.Dispatch.Dispatch(context.Background(), c.Peer(), env, directAck); err != nil {
		c.log.Error().Err(err).Msg("dispatch failed")
	}

	if directAck {
		if err := c.replyDirectAck(msgID); err != nil {
			return fmt.Errorf("direct-ack reply: %w", err)
		}
	}

	return nil
}
