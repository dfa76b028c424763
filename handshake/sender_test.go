package handshake

import (
	"bytes"
	"testing"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

func TestPreambleRoundTrip(t *testing.T) {
	p := &wire.HandshakePreamble{
		Member: wire.MemberIdentity{
			Host:     "10.0.0.5",
			Instance: "member-1",
			Port:     7070,
		},
		SharedResource: false,
		PreserveOrder:  true,
		UniqueID:       42,
		VersionOrdinal: 1,
		DominoCount:    0,
	}

	buf, err := EncodePreamble(p)
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	if buf[0] != 0x00 || buf[1] != wire.HandshakeVersion {
		t.Fatalf("unexpected leading bytes %X", buf[:2])
	}

	got, err := ParsePreamble(buf)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}

	if got.Member.Host != p.Member.Host || got.UniqueID != p.UniqueID || got.PreserveOrder != p.PreserveOrder {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", got, p)
	}
}

func TestParsePreambleRejectsBadInitialByte(t *testing.T) {
	_, err := ParsePreamble([]byte{0x01, wire.HandshakeVersion})
	if err == nil {
		t.Fatal("expected error for bad initial byte")
	}
}

func TestParsePreambleRejectsBadVersion(t *testing.T) {
	_, err := ParsePreamble([]byte{0x00, 0x06})
	if err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestReplyRoundTripOK(t *testing.T) {
	r := &wire.HandshakeReply{Code: wire.ReplyCodeOK}
	buf, err := EncodeReply(r)
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	if len(buf) != 1 {
		t.Fatalf("expected 1-byte OK reply body, got len=%d", len(buf))
	}

	got, err := ParseReply(buf)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if got.Code != wire.ReplyCodeOK {
		t.Fatalf("got code=%v", got.Code)
	}
}

func TestReplyRoundTripOKWithAsyncInfo(t *testing.T) {
	r := &wire.HandshakeReply{
		Code:                       wire.ReplyCodeOKWithAsyncInfo,
		AsyncDistributionTimeoutMS: 100,
		AsyncQueueTimeoutMS:        60000,
		AsyncMaxQueueSize:          8388608,
		VersionOrdinal:             1,
	}
	buf, err := EncodeReply(r)
	if err != nil {
		t.Fatalf("encode: %s", err)
	}

	got, err := ParseReply(buf)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if got.AsyncDistributionTimeoutMS != 100 || got.AsyncMaxQueueSize != 8388608 {
		t.Fatalf("got=%+v", got)
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}

	if err := WriteFrame(&buf, wire.NormalMsgType, wire.NoMessageID, false, payload); err != nil {
		t.Fatalf("write: %s", err)
	}

	hdr, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	if hdr.Type != wire.NormalMsgType || hdr.Length != uint32(len(payload)) {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got=%X want=%X", got, payload)
	}
}
