// Package socket wires the connection subsystem onto
// github.com/Meander-Cloud/go-transport/tcp, the same transport the
// teacher repo uses for its election protocol. Grounded on
// net/tcp/tcp.go's Matrix: one TcpServer accepting inbound links plus one
// TcpClient per configured peer address, sharing a single arbiter.
package socket

import (
	"fmt"
	"net"
	"time"

	"github.com/Meander-Cloud/go-arbiter/arbiter"
	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-p2plink/config"
	"github.com/Meander-Cloud/go-p2plink/conn"
	"github.com/Meander-Cloud/go-p2plink/timerkind"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// serverAdapter satisfies github.com/Meander-Cloud/go-transport/tcp's
// Protocol interface (ReadLoop(net.Conn)) for inbound accepts, constructing
// a receiver Connection per accepted socket, matching the teacher's
// net/tcp/protocol.Server.ReadLoop shape.
type serverAdapter struct {
	deps     conn.Deps
	settings conn.Settings
	self     *wire.MemberIdentity
}

func (a *serverAdapter) ReadLoop(rawConn net.Conn) {
	c := conn.NewReceiver(a.deps, a.settings, a.self)
	c.Serve(rawConn)
}

// Close satisfies tcp.Protocol; per-connection teardown is already handled
// by conn.Connection.Close (see conn/lifecycle.go), and this adapter holds
// no resources of its own to release.
func (a *serverAdapter) Close() {}

// clientAdapter satisfies the same Protocol interface for outbound dials:
// the local side is the one speaking first, so the Connection constructed
// here is a sender, preserveOrder/sharedResource as decided by whichever
// logical link (ordered vs unordered) this TcpClient backs, per spec.md
// section 3's pair-of-links-per-peer model.
type clientAdapter struct {
	deps           conn.Deps
	settings       conn.Settings
	self           *wire.MemberIdentity
	peer           *wire.MemberIdentity
	sharedResource bool
	preserveOrder  bool
}

func (a *clientAdapter) ReadLoop(rawConn net.Conn) {
	// go-transport/tcp's own reconnect loop only knows how to re-dial the
	// raw socket; it has no notion of membership. Before spending a
	// handshake attempt on a freshly (re)dialed socket, honor the same
	// stop condition doSenderHandshakeWithRetry enforces for retries
	// within an existing socket, spec.md section 4.5: decline to serve a
	// remote membership already reports gone, shunned, or unreachable
	// because the local node itself is shutting down. go-transport keeps
	// redialing at its own interval regardless; once membership clears,
	// the next accepted socket is served normally.
	member := fmt.Sprintf("%s:%d", a.peer.Host, a.peer.Port)
	if a.deps.Membership.HasLeft(member) || a.deps.Membership.IsShunned(member) || a.deps.Membership.ShutdownInProgress() {
		log.Warn().Str("peer", member).Msg("member left view, declining to serve reconnected socket")
		rawConn.Close()
		return
	}

	c := conn.NewSender(a.deps, a.settings, a.self, a.peer, a.sharedResource, a.preserveOrder)
	c.Serve(rawConn)
}

// Close satisfies tcp.Protocol; per-connection teardown is already handled
// by conn.Connection.Close (see conn/lifecycle.go), and this adapter holds
// no resources of its own to release.
func (a *clientAdapter) Close() {}

// clientStruct pairs one outbound sender Connection's handshake
// parameters with the go-transport TcpClient driving its reconnect loop.
type clientStruct struct {
	peer      *wire.MemberIdentity
	tcpClient *tcp.TcpClient
}

// Matrix owns one server (inbound) plus one client (outbound, reconnecting)
// per configured peer, exactly as the teacher's net/tcp.Matrix does for
// its election protocol, generalized to the connection subsystem's
// ordered/shared link variants (spec.md section 3: a preserving-order
// sender link per peer, spec.md section 4.5).
type Matrix struct {
	deps     conn.Deps
	settings conn.Settings
	self     *wire.MemberIdentity

	tcpServer *tcp.TcpServer
	clients   map[string]*clientStruct
}

// NewMatrix dials every configured peer address and starts listening for
// inbound connections, mirroring net/tcp/tcp.go's NewMatrix.
func NewMatrix(c *config.Config, deps conn.Deps, self *wire.MemberIdentity) (*Matrix, error) {
	m := &Matrix{
		deps:    deps,
		self:    self,
		clients: make(map[string]*clientStruct),
	}
	m.settings = settingsFromConfig(c)

	var err error
	defer func() {
		if err != nil {
			m.Shutdown()
		}
	}()

	m.tcpServer, err = tcp.NewTcpServer(&tcp.Options{
		Address:           c.SelfAddress,
		KeepAliveInterval: durationFromSeconds(c.TcpKeepAliveInterval, config.TcpKeepAliveInterval),
		KeepAliveCount:    orUint16(c.TcpKeepAliveCount, config.TcpKeepAliveCount),
		DialTimeout:       durationFromSeconds(c.TcpDialTimeout, config.TcpDialTimeout),
		ReconnectInterval: durationFromSeconds(c.TcpReconnectInterval, config.TcpReconnectInterval),
		ReconnectLogEvery: orUint32(c.TcpReconnectLogEvery, 50),
		Protocol:          &serverAdapter{deps: deps, settings: m.settings, self: self},
		LogPrefix:         "p2plink-server",
		LogDebug:          c.LogDebug,
	})
	if err != nil {
		return nil, fmt.Errorf("socket: server listen failed: %w", err)
	}

	for _, address := range c.PeerAddressList {
		if _, found := m.clients[address]; found {
			err = fmt.Errorf("socket: duplicate peer address=%s", address)
			log.Error().Msg(err.Error())
			return nil, err
		}

		peer := &wire.MemberIdentity{Host: address}

		tcpClient, cerr := tcp.NewTcpClient(&tcp.Options{
			Address:           address,
			KeepAliveInterval: durationFromSeconds(c.TcpKeepAliveInterval, config.TcpKeepAliveInterval),
			KeepAliveCount:    orUint16(c.TcpKeepAliveCount, config.TcpKeepAliveCount),
			DialTimeout:       durationFromSeconds(c.TcpDialTimeout, config.TcpDialTimeout),
			ReconnectInterval: durationFromSeconds(c.TcpReconnectInterval, config.TcpReconnectInterval),
			ReconnectLogEvery: orUint32(c.TcpReconnectLogEvery, 50),
			Protocol: &clientAdapter{
				deps:           deps,
				settings:       m.settings,
				self:           self,
				peer:           peer,
				sharedResource: true,
				preserveOrder:  true,
			},
			LogPrefix: fmt.Sprintf("p2plink-client-%s", address),
			LogDebug:  c.LogDebug,
		})
		if cerr != nil {
			err = fmt.Errorf("socket: dial %s failed: %w", address, cerr)
			return nil, err
		}

		m.clients[address] = &clientStruct{
			peer:      peer,
			tcpClient: tcpClient,
		}
	}

	return m, nil
}

// Shutdown tears down the server and every client, waiting for each to
// finish, mirroring net/tcp/tcp.go's Matrix.Shutdown.
func (m *Matrix) Shutdown() {
	if m.tcpServer != nil {
		m.tcpServer.Shutdown()
	}
	for _, cl := range m.clients {
		if cl.tcpClient != nil {
			cl.tcpClient.Shutdown()
		}
	}
	<-time.After(time.Second)
}

func settingsFromConfig(c *config.Config) conn.Settings {
	return conn.Settings{
		AsyncDistributionTimeout: c.AsyncDistributionTimeoutDuration(),
		AsyncQueueTimeout:        c.AsyncQueueTimeoutDuration(),
		AsyncMaxQueueSize:        c.AsyncMaxQueueSizeBytes(),
		AckWaitTimeout:           c.AckWaitTimeoutDuration(),
		AckSATimeout:             c.AckSevereAlertTimeoutDuration(),
		IdleTimeout:              c.IdleTimeoutDuration(),
		HandshakeTimeout:         c.HandshakeTimeoutDuration(),
		BatchSends:               false,
	}
}

func durationFromSeconds(v uint16, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return time.Second * time.Duration(v)
}

func orUint16(v, fallback uint16) uint16 {
	if v == 0 {
		return fallback
	}
	return v
}

func orUint32(v, fallback uint32) uint32 {
	if v == 0 {
		return fallback
	}
	return v
}

// NewArbiterForConfig constructs the shared go-arbiter instance used for
// timer dispatch (conn/suspicion.go), mirroring the teacher's single
// shared arbiter.Arbiter[g.Group] wired through net/tcp/tcp.go's
// NewMatrix, generalized from the election Group tag to timerkind.Kind.
func NewArbiterForConfig(eventChannelLength uint16, logDebug bool) *arbiter.Arbiter[timerkind.Kind] {
	_ = eventChannelLength
	return arbiter.New[timerkind.Kind](&arbiter.Options[timerkind.Kind]{
		LogPrefix: "p2plink-arbiter",
		LogDebug:  logDebug,
	})
}
