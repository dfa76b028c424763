package conn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Meander-Cloud/go-p2plink/bufferpool"
	"github.com/Meander-Cloud/go-p2plink/conntable"
	"github.com/Meander-Cloud/go-p2plink/dispatch"
	"github.com/Meander-Cloud/go-p2plink/handshake"
	"github.com/Meander-Cloud/go-p2plink/iofilter"
	"github.com/Meander-Cloud/go-p2plink/membership"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// fakeView is a permissive membership.View stand-in: nothing in these
// tests is shunned, suspected, or force-removed unless the test arranges
// it directly.
type fakeView struct {
	mu          sync.Mutex
	suspected   []string
	forceDisc   []string
}

func (f *fakeView) IsSuspect(string) bool { return false }
func (f *fakeView) Suspect(member string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspected = append(f.suspected, member)
}
func (f *fakeView) IsShunned(string) bool         { return false }
func (f *fakeView) HasLeft(string) bool           { return false }
func (f *fakeView) ShutdownInProgress() bool      { return false }
func (f *fakeView) ForceDisconnect(member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceDisc = append(f.forceDisc, member)
	return nil
}
func (f *fakeView) SurpriseMember(*wire.MemberIdentity) error { return nil }

// fakeStats counts what the connection reports, satisfying dispatch.Stats.
type fakeStats struct {
	messagesSent          atomicCounter
	messagesReceived      atomicCounter
	asyncConflatedMsgs    atomicCounter
	asyncQueueSizeExceeded atomicCounter
}

func (s *fakeStats) IncMessagesSent()           { s.messagesSent.add(1) }
func (s *fakeStats) IncMessagesReceived()       { s.messagesReceived.add(1) }
func (s *fakeStats) IncAsyncConflatedMsgs()     { s.asyncConflatedMsgs.add(1) }
func (s *fakeStats) IncAsyncQueueSizeExceeded() { s.asyncQueueSizeExceeded.add(1) }

// atomicCounter avoids dragging in sync/atomic's typed helpers for a
// plain uint64 counter the tests only ever read after a Wait.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) add(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += d
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// fakeCancelCriterion reports no shutdown in progress unless set.
type fakeCancelCriterion struct{}

func (fakeCancelCriterion) CancelInProgress() bool { return false }

// fakeDispatch records every dispatched envelope, satisfying
// dispatch.Manager.
type fakeDispatch struct {
	mu       sync.Mutex
	received []*wire.Envelope
	peers    []*wire.MemberIdentity
	stats    *fakeStats
	cc       fakeCancelCriterion
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{stats: &fakeStats{}}
}

func (d *fakeDispatch) Dispatch(_ context.Context, peer *wire.MemberIdentity, env *wire.Envelope, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, env)
	d.peers = append(d.peers, peer)
	return nil
}

func (d *fakeDispatch) CancelCriterion() dispatch.CancelCriterion { return d.cc }
func (d *fakeDispatch) Stats() dispatch.Stats                     { return d.stats }

func (d *fakeDispatch) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func (d *fakeDispatch) last() *wire.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.received) == 0 {
		return nil
	}
	return d.received[len(d.received)-1]
}

func testDeps(table conntable.Table, dsp dispatch.Manager, view membership.View) Deps {
	return Deps{
		Membership: view,
		Dispatch:   dsp,
		Table:      table,
		Vendor:     bufferpool.NewVendor(),
		Arbiter:    nil, // dispatchTimer falls back to a direct call when nil
		Filters:    &iofilter.PlainFactory{},
	}
}

func testSettings() Settings {
	return Settings{
		HandshakeTimeout: 2 * time.Second,
	}
}

// writePreamble encodes and writes the sender preamble as one NORMAL
// frame, mirroring doSenderHandshake's wire shape (spec.md section 4.5).
func writePreamble(conn net.Conn, preamble *wire.HandshakePreamble) error {
	buf, err := handshake.EncodePreamble(preamble)
	if err != nil {
		return err
	}
	return handshake.WriteFrame(conn, wire.NormalMsgType, wire.NoMessageID, false, buf)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestServeReceiverDispatchesNormalMessage covers scenario S1: a sender
// completes the handshake, sends one NORMAL frame, and the receiver
// dispatches it exactly once with the same bytes.
func TestServeReceiverDispatchesNormalMessage(t *testing.T) {
	serverSock, clientSock := net.Pipe()
	defer clientSock.Close()

	dsp := newFakeDispatch()
	table := conntable.NewMemTable()
	deps := testDeps(table, dsp, &fakeView{})
	self := &wire.MemberIdentity{Host: "h1", Instance: "recv1", Port: 7801}

	c := NewReceiver(deps, testSettings(), self)
	go c.Serve(serverSock)

	peer := &wire.MemberIdentity{Host: "h2", Instance: "send1", Port: 7802}
	preamble := &wire.HandshakePreamble{
		Member:        *peer,
		PreserveOrder: true,
	}
	if err := writePreamble(clientSock, preamble); err != nil {
		t.Fatalf("write preamble: %s", err)
	}

	replyBuf := make([]byte, 1)
	if _, err := clientSock.Read(replyBuf); err != nil {
		t.Fatalf("read reply: %s", err)
	}
	reply, err := handshake.ParseReply(replyBuf)
	if err != nil {
		t.Fatalf("parse reply: %s", err)
	}
	if reply.Code != wire.ReplyCodeOK {
		t.Fatalf("expected OK reply, got code=0x%02x", reply.Code)
	}

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	envPayload, err := wire.EncodeEnvelope(&wire.Envelope{Payload: payload})
	if err != nil {
		t.Fatalf("encode envelope: %s", err)
	}
	if err := handshake.WriteFrame(clientSock, wire.NormalMsgType, wire.NoMessageID, false, envPayload); err != nil {
		t.Fatalf("write frame: %s", err)
	}

	waitFor(t, func() bool { return dsp.count() == 1 })

	got := dsp.last()
	if got == nil || string(got.Payload) != string(payload) {
		t.Fatalf("got=%v want payload=%v", got, payload)
	}
	if c.MessagesReceived() != 1 {
		t.Fatalf("expected MessagesReceived=1, got=%d", c.MessagesReceived())
	}
}

// TestServeReceiverRepliesDirectAck covers component C10: a NORMAL frame
// with the direct-ack bit set gets an ack envelope written back on the
// same connection rather than routed through Dispatch.
func TestServeReceiverRepliesDirectAck(t *testing.T) {
	serverSock, clientSock := net.Pipe()
	defer clientSock.Close()

	dsp := newFakeDispatch()
	table := conntable.NewMemTable()
	deps := testDeps(table, dsp, &fakeView{})
	self := &wire.MemberIdentity{Host: "h1", Instance: "recv1"}

	c := NewReceiver(deps, testSettings(), self)
	go c.Serve(serverSock)

	preamble := &wire.HandshakePreamble{
		Member:        wire.MemberIdentity{Host: "h2", Instance: "send1"},
		PreserveOrder: true,
	}
	if err := writePreamble(clientSock, preamble); err != nil {
		t.Fatalf("write preamble: %s", err)
	}
	replyBuf := make([]byte, 1)
	clientSock.Read(replyBuf)

	envPayload, _ := wire.EncodeEnvelope(&wire.Envelope{Payload: []byte("ping")})
	const msgID = 5
	if err := handshake.WriteFrame(clientSock, wire.NormalMsgType, msgID, true, envPayload); err != nil {
		t.Fatalf("write frame: %s", err)
	}

	hdr, ackPayload, err := handshake.ReadFrame(clientSock)
	if err != nil {
		t.Fatalf("read ack frame: %s", err)
	}
	if hdr.ID != msgID {
		t.Fatalf("expected ack frame id=%d, got=%d", msgID, hdr.ID)
	}
	ackEnv, err := wire.DecodeEnvelope(ackPayload)
	if err != nil {
		t.Fatalf("decode ack envelope: %s", err)
	}
	if ackEnv.Kind != wire.AckEnvelopeKind {
		t.Fatalf("expected ack envelope kind=0x%x, got=0x%x", wire.AckEnvelopeKind, ackEnv.Kind)
	}

	waitFor(t, func() bool { return dsp.count() == 1 })
}

// TestServeReceiverReassemblesChunkedMessage covers testable property 5
// and scenario S2: a CHUNK/CHUNK/END_CHUNK sequence for one message id
// dispatches exactly once, with the payload equal to the concatenation of
// the chunk bodies in order.
func TestServeReceiverReassemblesChunkedMessage(t *testing.T) {
	serverSock, clientSock := net.Pipe()
	defer clientSock.Close()

	dsp := newFakeDispatch()
	table := conntable.NewMemTable()
	deps := testDeps(table, dsp, &fakeView{})
	self := &wire.MemberIdentity{Host: "h1", Instance: "recv1"}

	c := NewReceiver(deps, testSettings(), self)
	go c.Serve(serverSock)

	preamble := &wire.HandshakePreamble{
		Member:        wire.MemberIdentity{Host: "h2", Instance: "send1"},
		PreserveOrder: true,
	}
	if err := writePreamble(clientSock, preamble); err != nil {
		t.Fatalf("write preamble: %s", err)
	}
	replyBuf := make([]byte, 1)
	clientSock.Read(replyBuf)

	full, err := wire.EncodeEnvelope(&wire.Envelope{Payload: []byte{0xAA, 0xBB, 0xCC, 0xDD}})
	if err != nil {
		t.Fatalf("encode envelope: %s", err)
	}
	if len(full) < 3 {
		t.Fatalf("encoded envelope too short to split into 3 chunks: len=%d", len(full))
	}
	const msgID = 7
	a, b := len(full)/3, 2*len(full)/3

	if err := handshake.WriteFrame(clientSock, wire.ChunkedMsgType, msgID, false, full[:a]); err != nil {
		t.Fatalf("write chunk 1: %s", err)
	}
	if err := handshake.WriteFrame(clientSock, wire.ChunkedMsgType, msgID, false, full[a:b]); err != nil {
		t.Fatalf("write chunk 2: %s", err)
	}
	if err := handshake.WriteFrame(clientSock, wire.EndChunkedMsgType, msgID, false, full[b:]); err != nil {
		t.Fatalf("write end-chunk: %s", err)
	}

	waitFor(t, func() bool { return dsp.count() == 1 })

	got := dsp.last()
	if got == nil || string(got.Payload) != string([]byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("got=%v want=[AA BB CC DD]", got)
	}
	if c.MessagesReceived() != 1 {
		t.Fatalf("expected exactly one dispatched message, MessagesReceived=%d", c.MessagesReceived())
	}
}

// TestServeReceiverRejectsBadHandshakeVersion covers scenario S6: a
// preamble carrying the wrong version byte is rejected before any
// dispatch or surprise-member registration happens, and the connection
// never reaches the table.
func TestServeReceiverRejectsBadHandshakeVersion(t *testing.T) {
	serverSock, clientSock := net.Pipe()
	defer clientSock.Close()

	dsp := newFakeDispatch()
	table := conntable.NewMemTable()
	view := &fakeView{}
	deps := testDeps(table, dsp, view)
	self := &wire.MemberIdentity{Host: "h1", Instance: "recv1"}

	c := NewReceiver(deps, testSettings(), self)
	done := make(chan struct{})
	go func() {
		c.Serve(serverSock)
		close(done)
	}()

	preamble := &wire.HandshakePreamble{
		Member:        wire.MemberIdentity{Host: "h2", Instance: "send1"},
		PreserveOrder: true,
	}
	buf, err := handshake.EncodePreamble(preamble)
	if err != nil {
		t.Fatalf("encode preamble: %s", err)
	}
	// corrupt the version byte the preamble body carries (spec.md section
	// 6), independent of the frame header's own version byte.
	buf[1] = wire.HandshakeVersion + 1

	if err := handshake.WriteFrame(clientSock, wire.NormalMsgType, wire.NoMessageID, false, buf); err != nil {
		t.Fatalf("write preamble frame: %s", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after a bad-version preamble")
	}

	if table.Len() != 0 {
		t.Fatalf("expected no table entry for a rejected handshake, Len=%d", table.Len())
	}
	if dsp.count() != 0 {
		t.Fatalf("expected no dispatch for a rejected handshake, count=%d", dsp.count())
	}
	view.mu.Lock()
	surpriseCount := len(view.suspected) + len(view.forceDisc)
	view.mu.Unlock()
	if surpriseCount != 0 {
		t.Fatalf("expected no membership side effects for a rejected handshake, got suspected=%v forceDisc=%v", view.suspected, view.forceDisc)
	}
}

// TestSendAsyncEligibleForcesDisconnectPastQueueCeiling covers scenario
// S4: an async-eligible sender whose peer never drains the socket must
// hit the async queue's byte ceiling and force a membership disconnect
// rather than queue forever.
func TestSendAsyncEligibleForcesDisconnectPastQueueCeiling(t *testing.T) {
	clientSock, peerSock := net.Pipe()
	defer clientSock.Close()

	view := &fakeView{}
	deps := testDeps(conntable.NewMemTable(), newFakeDispatch(), view)
	settings := testSettings()
	settings.AsyncDistributionTimeout = time.Millisecond
	settings.AsyncMaxQueueSize = 64

	self := &wire.MemberIdentity{Host: "h1", Instance: "send1"}
	peer := &wire.MemberIdentity{Host: "h2", Instance: "recv1"}
	c := NewSender(deps, settings, self, peer, true, true)

	done := make(chan struct{})
	go func() {
		c.Serve(clientSock)
		close(done)
	}()

	handshakeAsFakeReceiver(t, peerSock)
	waitFor(t, c.IsConnected)

	// the fake receiver never reads again past the handshake reply, so
	// every send here trips over into the async queue and accumulates
	// until the ceiling forces a disconnect.
	var lastErr error
	for i := 0; i < 40; i++ {
		lastErr = c.Send(&wire.Envelope{Payload: []byte("0123456789")}, false)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected a forced-disconnect error once the async queue ceiling was exceeded")
	}

	waitFor(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()
		return len(view.forceDisc) >= 1
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the forced disconnect")
	}
}

// TestCloseInvariants covers testable property 4: after the close path
// runs, the connection is no longer connected and no longer indexed in
// the table under any key.
func TestCloseInvariants(t *testing.T) {
	serverSock, clientSock := net.Pipe()

	dsp := newFakeDispatch()
	table := conntable.NewMemTable()
	deps := testDeps(table, dsp, &fakeView{})
	self := &wire.MemberIdentity{Host: "h1", Instance: "recv1"}

	c := NewReceiver(deps, testSettings(), self)
	done := make(chan struct{})
	go func() {
		c.Serve(serverSock)
		close(done)
	}()

	preamble := &wire.HandshakePreamble{
		Member:        wire.MemberIdentity{Host: "h2", Instance: "send1"},
		PreserveOrder: true,
	}
	if err := writePreamble(clientSock, preamble); err != nil {
		t.Fatalf("write preamble: %s", err)
	}
	replyBuf := make([]byte, 1)
	clientSock.Read(replyBuf)

	waitFor(t, func() bool { return table.Len() == 1 })

	clientSock.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed the connection")
	}

	if c.IsConnected() {
		t.Fatal("expected IsConnected=false after close")
	}
	if table.Len() != 0 {
		t.Fatalf("expected connection removed from table, Len=%d", table.Len())
	}
}
