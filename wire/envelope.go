package wire

import (
	"github.com/vmihailenco/msgpack/v5"
)

// AckEnvelopeKind is the reserved Envelope.Kind value identifying a
// direct-ack reply frame rather than an application message, spec.md
// section 4.10 (C10). No caller-supplied Kind may use this value.
const AckEnvelopeKind uint16 = 0xffff

// Envelope is the payload carried by a NORMAL (or reassembled CHUNK/
// END_CHUNK) frame: an opaque message object as produced by the caller's
// distribution manager. This subsystem does not interpret Payload beyond
// the handshake preamble, per spec.md section 6.
type Envelope struct {
	Kind    uint16 `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`

	// ConflationKey is non-empty for messages eligible for conflation in
	// the async queue (spec.md section 4.9). Empty means "not
	// conflatable" and the message is always enqueued as a raw buffer.
	ConflationKey string `msgpack:"conflation_key,omitempty"`
}

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func DecodeEnvelope(buf []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := msgpack.Unmarshal(buf, e); err != nil {
		return nil, err
	}
	return e, nil
}
