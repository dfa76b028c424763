package wire

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ReplyCode identifies the receiver's handshake reply shape, spec.md
// section 4.6.
type ReplyCode byte

const (
	ReplyCodeOK               ReplyCode = 0x45
	ReplyCodeOKWithAsyncInfo  ReplyCode = 0x46
)

// MemberIdentity stands in for the membership service's representation of
// a cluster member, serialized as part of the handshake preamble.
type MemberIdentity struct {
	Host     string `msgpack:"host"`
	Instance string `msgpack:"instance"`
	Port     uint16 `msgpack:"port"`
}

// HandshakePreamble is the sender's opening frame, spec.md section 6:
//   zero-byte | version | member-identity | sharedResource | preserveOrder
//   | uniqueId | version-ordinal | dominoCount
type HandshakePreamble struct {
	Zero            byte           `msgpack:"-"`
	Version         byte           `msgpack:"-"`
	Member          MemberIdentity `msgpack:"member"`
	SharedResource  bool           `msgpack:"shared"`
	PreserveOrder   bool           `msgpack:"ordered"`
	UniqueID        int64          `msgpack:"unique_id"`
	VersionOrdinal  uint32         `msgpack:"version_ordinal"`
	DominoCount     int32          `msgpack:"domino_count"`
}

// EncodePreambleBody encodes the member-identity-onward portion of the
// preamble; the zero byte and version byte are written directly onto the
// wire by the caller, not through msgpack, matching spec.md section 6's
// byte-exact layout.
func EncodePreambleBody(p *HandshakePreamble) ([]byte, error) {
	return msgpack.Marshal(p)
}

func DecodePreambleBody(buf []byte) (*HandshakePreamble, error) {
	p := new(HandshakePreamble)
	if err := msgpack.Unmarshal(buf, p); err != nil {
		return nil, err
	}
	return p, nil
}

// HandshakeReply is the receiver's reply, spec.md section 4.6/6.
type HandshakeReply struct {
	Code ReplyCode

	// populated only when Code == ReplyCodeOKWithAsyncInfo
	AsyncDistributionTimeoutMS int32
	AsyncQueueTimeoutMS        int32
	AsyncMaxQueueSize          int32
	VersionOrdinal             uint32
}

type handshakeReplyBody struct {
	AsyncDistributionTimeoutMS int32  `msgpack:"async_distribution_timeout_ms"`
	AsyncQueueTimeoutMS        int32  `msgpack:"async_queue_timeout_ms"`
	AsyncMaxQueueSize          int32  `msgpack:"async_max_queue_size"`
	VersionOrdinal             uint32 `msgpack:"version_ordinal"`
}

func EncodeReplyBody(r *HandshakeReply) ([]byte, error) {
	if r.Code != ReplyCodeOKWithAsyncInfo {
		return nil, nil
	}
	return msgpack.Marshal(&handshakeReplyBody{
		AsyncDistributionTimeoutMS: r.AsyncDistributionTimeoutMS,
		AsyncQueueTimeoutMS:        r.AsyncQueueTimeoutMS,
		AsyncMaxQueueSize:          r.AsyncMaxQueueSize,
		VersionOrdinal:             r.VersionOrdinal,
	})
}

func DecodeReplyBody(code ReplyCode, buf []byte) (*HandshakeReply, error) {
	r := &HandshakeReply{Code: code}
	if code != ReplyCodeOKWithAsyncInfo {
		return r, nil
	}
	body := new(handshakeReplyBody)
	if err := msgpack.Unmarshal(buf, body); err != nil {
		return nil, err
	}
	r.AsyncDistributionTimeoutMS = body.AsyncDistributionTimeoutMS
	r.AsyncQueueTimeoutMS = body.AsyncQueueTimeoutMS
	r.AsyncMaxQueueSize = body.AsyncMaxQueueSize
	r.VersionOrdinal = body.VersionOrdinal
	return r, nil
}
