// Package conn implements the Connection data model and all per-connection
// behavior: handshake orchestration, reader loop, sync/async/direct-ack
// send paths, timeout/suspicion scheduling, and lifecycle (spec.md
// sections 3-5, components C3 and C7-C12).
package conn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-arbiter/arbiter"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"github.com/Meander-Cloud/go-p2plink/bufferpool"
	"github.com/Meander-Cloud/go-p2plink/conntable"
	"github.com/Meander-Cloud/go-p2plink/dispatch"
	"github.com/Meander-Cloud/go-p2plink/iofilter"
	"github.com/Meander-Cloud/go-p2plink/membership"
	"github.com/Meander-Cloud/go-p2plink/reassembler"
	"github.com/Meander-Cloud/go-p2plink/timerkind"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// idGen is the process-wide monotonic unique-id source a sender assigns
// to its own connection and echoes in its handshake, spec.md section 3.
var idGen atomic.Int64

func NextUniqueID() int64 {
	return idGen.Add(1)
}

// Group is the ackConnectionGroup of spec.md section 3: the set of peer
// connections participating in the current transmission, used to delay
// severe-alert cascades (spec.md section 4.11). Membership in a Group is
// established by the caller when connections are created as part of one
// broadcast fan-out; a Connection with no group behaves as if it were the
// sole member of its own.
type Group struct {
	mu      sync.Mutex
	members []*Connection
}

func NewGroup() *Group {
	return &Group{}
}

func (g *Group) Add(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, c)
}

// bumpSiblingsTransmissionStart pushes every other member's
// transmissionStartTime forward by d, so a severe alert fired for one
// slow member does not immediately re-fire for the rest of a shared
// broadcast, per spec.md section 4.11.
func (g *Group) bumpSiblingsTransmissionStart(except *Connection, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.members {
		if c == except {
			continue
		}
		c.bumpTransmissionStart(d)
	}
}

// Deps bundles the external collaborators a Connection needs, all held as
// opaque interface handles per spec.md section 9's cycle-breaking
// strategy.
type Deps struct {
	Membership membership.View
	Dispatch   dispatch.Manager
	Table      conntable.Table
	Vendor     *bufferpool.Vendor
	Arbiter    *arbiter.Arbiter[timerkind.Kind]
	Filters    iofilter.Factory
}

// Settings carries the per-connection tunables of spec.md section 3/6.
type Settings struct {
	AsyncDistributionTimeout time.Duration
	AsyncQueueTimeout        time.Duration
	AsyncMaxQueueSize        uint64
	AckWaitTimeout           time.Duration
	AckSATimeout             time.Duration
	IdleTimeout              time.Duration
	HandshakeTimeout         time.Duration
	BatchSends               bool
}

// Connection is one logical link to a remote member, spec.md section 3.
type Connection struct {
	deps     Deps
	settings Settings
	log      zerolog.Logger

	descriptor string

	sock   net.Conn
	filter iofilter.Filter

	role          Role
	sharedResource bool
	preserveOrder bool
	uniqueID      int64

	self *wire.MemberIdentity
	peer atomic.Pointer[wire.MemberIdentity]

	versionOrdinal uint32
	dominoCount    int32

	// state machine
	stateMu sync.Mutex
	state   State

	// flags
	handshakeRead          atomic.Bool
	handshakeCancelled     atomic.Bool
	connected              atomic.Bool
	closing                atomic.Bool
	stopped                atomic.Bool
	finishedConnecting     atomic.Bool
	accessed               atomic.Bool
	socketInUse            atomic.Bool
	timedOut               atomic.Bool
	asyncMode              atomic.Bool
	asyncQueuingInProgress atomic.Bool
	disconnectRequested    atomic.Bool

	// counters
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64

	// output serialization (C8's output-lock)
	outLock sync.Mutex

	// ack-wait bookkeeping (C11)
	transmissionStartNanos atomic.Int64
	ackGroup               *Group

	// C9 async queue state, defined in asyncqueue.go
	asyncQueue *outgoingQueue

	// reassembly (C4)
	reassembly *reassembler.Pool

	// receive-buffer lease (C3), opened by the reader goroutine
	lease *bufferpool.Lease

	// goroutine supervision (C12), grounded on bzerolib's use of tomb.v2
	t tomb.Tomb

	// optional batch-buffer flusher, spec.md section 9 second open
	// question; nil unless Settings.BatchSends is set
	batch *batchBuffer

	// timer handles posted to the shared scheduler (C11)
	timers connTimers

	handshakeSyncMu sync.Mutex
	handshakeSyncCond *sync.Cond
}

func newBaseConnection(deps Deps, settings Settings, sock net.Conn, role Role, self *wire.MemberIdentity) *Connection {
	c := &Connection{
		deps:       deps,
		settings:   settings,
		sock:       sock,
		role:       role,
		self:       self,
		state:      StateIdle,
		ackGroup:   NewGroup(),
		reassembly: reassembler.NewPool(),
	}
	c.handshakeSyncCond = sync.NewCond(&c.handshakeSyncMu)
	c.ackGroup.Add(c)
	if settings.BatchSends {
		c.batch = newBatchBuffer(c)
	}
	return c
}

func (c *Connection) Descriptor() string {
	return c.descriptor
}

func (c *Connection) setDescriptor(d string) {
	c.descriptor = d
	c.log = zlog.Logger.With().Str("descriptor", d).Str("component", "p2p-reader").Logger()
}

func (c *Connection) Peer() *wire.MemberIdentity {
	return c.peer.Load()
}

func (c *Connection) setPeer(identity *wire.MemberIdentity) {
	c.peer.Store(identity)
}

func (c *Connection) IsPreserveOrder() bool {
	return c.preserveOrder
}

func (c *Connection) IsSharedResource() bool {
	return c.sharedResource
}

func (c *Connection) IsReceiver() bool {
	return c.role == RoleReceiver
}

func (c *Connection) UniqueID() int64 {
	return c.uniqueID
}

func (c *Connection) MessagesSent() uint64 {
	return c.messagesSent.Load()
}

func (c *Connection) MessagesReceived() uint64 {
	return c.messagesReceived.Load()
}

func (c *Connection) markAccessed() {
	c.accessed.Store(true)
}

// participatesInIdleTimeout implements the invariant from spec.md section
// 3: preserveOrder==false && sharedResource connections (the
// failure-detection links) do not participate in idle-timeout.
func (c *Connection) participatesInIdleTimeout() bool {
	return !(c.sharedResource && !c.preserveOrder)
}

func (c *Connection) setState(s State) State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

func (c *Connection) getState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) bumpTransmissionStart(d time.Duration) {
	for {
		old := c.transmissionStartNanos.Load()
		if old == 0 {
			return
		}
		if c.transmissionStartNanos.CompareAndSwap(old, old+d.Nanoseconds()) {
			return
		}
	}
}

func (c *Connection) markTransmissionStart() {
	c.transmissionStartNanos.Store(time.Now().UnixNano())
}

func (c *Connection) clearTransmissionStart() {
	c.transmissionStartNanos.Store(0)
}

// cancelled reports whether this connection should abort at its current
// suspension point: either it is already closing, or the distribution
// manager's cancel criterion says the local system is stopping. Checked
// at every blocking read/write per spec.md section 5; per section 7's
// Cancellation taxonomy entry, callers abort silently on true, no
// user-visible error beyond the top-level cancel.
func (c *Connection) cancelled() bool {
	return c.closing.Load() || c.deps.Dispatch.CancelCriterion().CancelInProgress()
}

func (c *Connection) connKey() (remote string) {
	if p := c.Peer(); p != nil {
		return fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	return c.sock.RemoteAddr().String()
}
