// Package handshake implements the wire-level construction and parsing of
// the sender preamble and receiver reply (spec C5/C6), independent of
// Connection orchestration. Grounded on the teacher's ReadLoop
// handshake-exchange shape (net/tcp/protocol/client.go), generalized from
// election-specific messages to spec.md's handshake/OK-reply pair.
package handshake

import (
	"fmt"
	"io"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

// DominoLimit caps how many hops of thread-owned receivers may chain into
// new thread-owned outbound connections (spec.md section 7, supplemented
// feature carried over from the original's MAX_THREAD_OWNED_SOCKETS).
const DominoLimit int32 = 10

// EncodePreamble builds the full wire bytes for the sender's opening
// frame: zero-byte | version | msgpack(member, shared, ordered, uniqueId,
// versionOrdinal, dominoCount), per spec.md section 6.
func EncodePreamble(p *wire.HandshakePreamble) ([]byte, error) {
	body, err := wire.EncodePreambleBody(p)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode preamble body: %w", err)
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, 0x00, wire.HandshakeVersion)
	out = append(out, body...)
	return out, nil
}

// ParsePreamble validates the leading zero-byte and version byte, then
// decodes the remainder of buf as the preamble body.
func ParsePreamble(buf []byte) (*wire.HandshakePreamble, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("handshake: preamble too short, len=%d", len(buf))
	}
	if buf[0] != 0x00 {
		return nil, fmt.Errorf("handshake: invalid initial byte 0x%02x, rejecting non-cluster client", buf[0])
	}
	if buf[1] != wire.HandshakeVersion {
		return nil, fmt.Errorf("%w: got=%d want=%d", wire.ErrProtocolVersionMismatch, buf[1], wire.HandshakeVersion)
	}

	p, err := wire.DecodePreambleBody(buf[2:])
	if err != nil {
		return nil, fmt.Errorf("handshake: decode preamble body: %w", err)
	}
	p.Zero = buf[0]
	p.Version = buf[1]
	return p, nil
}

// EncodeReply builds the receiver's reply-code-plus-optional-body frame.
func EncodeReply(r *wire.HandshakeReply) ([]byte, error) {
	body, err := wire.EncodeReplyBody(r)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode reply body: %w", err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(r.Code))
	out = append(out, body...)
	return out, nil
}

// ParseReply decodes a reply frame's payload.
func ParseReply(buf []byte) (*wire.HandshakeReply, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("handshake: empty reply")
	}
	code := wire.ReplyCode(buf[0])
	if code != wire.ReplyCodeOK && code != wire.ReplyCodeOKWithAsyncInfo {
		return nil, fmt.Errorf("handshake: unrecognized reply code 0x%02x", byte(code))
	}
	return wire.DecodeReplyBody(code, buf[1:])
}

// ReadFrame reads exactly one header+payload frame from r using a small
// single-use buffer, for the handshake exchange which happens before the
// shared receive-buffer lease is meaningful to reuse.
func ReadFrame(r io.Reader) (wire.Header, []byte, error) {
	hdrBuf := make([]byte, wire.HeaderBytes)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return wire.Header{}, nil, fmt.Errorf("handshake: read header: %w", err)
	}

	hdr, err := wire.UnpackHeader(hdrBuf)
	if err != nil {
		return wire.Header{}, nil, err
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Header{}, nil, fmt.Errorf("handshake: read payload: %w", err)
	}

	return hdr, payload, nil
}

// WriteFrame writes one header+payload frame to w.
func WriteFrame(w io.Writer, msgType wire.MessageType, id uint16, directAck bool, payload []byte) error {
	hdrBuf := make([]byte, wire.HeaderBytes)
	if err := wire.PackHeader(hdrBuf, uint32(len(payload)), msgType, id, directAck); err != nil {
		return err
	}

	full := make([]byte, 0, len(hdrBuf)+len(payload))
	full = append(full, hdrBuf...)
	full = append(full, payload...)

	if _, err := w.Write(full); err != nil {
		return fmt.Errorf("handshake: write frame: %w", err)
	}
	return nil
}
