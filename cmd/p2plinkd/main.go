package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-p2plink/bufferpool"
	"github.com/Meander-Cloud/go-p2plink/config"
	"github.com/Meander-Cloud/go-p2plink/conn"
	"github.com/Meander-Cloud/go-p2plink/conntable"
	"github.com/Meander-Cloud/go-p2plink/dispatch"
	"github.com/Meander-Cloud/go-p2plink/iofilter"
	"github.com/Meander-Cloud/go-p2plink/socket"
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// loggingDispatchManager is a minimal dispatch.Manager that logs every
// delivered message, standing in for the real distribution manager this
// subsystem is excluded from owning (spec.md section 1/9). Grounded on the
// teacher's main.go UserCallback demo pattern (LeaderElected/LeaderRevoked
// logging stubs).
type loggingDispatchManager struct {
	logPrefix string
	stats     *demoStats
}

func (m *loggingDispatchManager) Dispatch(_ context.Context, peer *wire.MemberIdentity, env *wire.Envelope, directAck bool) error {
	log.Info().
		Str("prefix", m.logPrefix).
		Str("peer", fmt.Sprintf("%+v", peer)).
		Uint16("kind", env.Kind).
		Int("payloadLen", len(env.Payload)).
		Bool("directAck", directAck).
		Msg("message dispatched")
	return nil
}

func (m *loggingDispatchManager) CancelCriterion() dispatch.CancelCriterion {
	return m.stats
}

func (m *loggingDispatchManager) Stats() dispatch.Stats {
	return m.stats
}

type demoStats struct {
	shuttingDown bool
}

func (s *demoStats) CancelInProgress() bool          { return s.shuttingDown }
func (s *demoStats) IncMessagesSent()                {}
func (s *demoStats) IncMessagesReceived()            {}
func (s *demoStats) IncAsyncConflatedMsgs()          {}
func (s *demoStats) IncAsyncQueueSizeExceeded()      {}

// loggingMembershipView is a minimal membership.View that treats every
// member as reachable, for the standalone daemon demo.
type loggingMembershipView struct {
	stats *demoStats
}

func (v *loggingMembershipView) IsSuspect(member string) bool { return false }
func (v *loggingMembershipView) Suspect(member string, reason string) {
	log.Warn().Str("member", member).Str("reason", reason).Msg("member suspected")
}
func (v *loggingMembershipView) IsShunned(member string) bool { return false }
func (v *loggingMembershipView) HasLeft(member string) bool   { return false }
func (v *loggingMembershipView) ShutdownInProgress() bool     { return v.stats.shuttingDown }
func (v *loggingMembershipView) ForceDisconnect(member string) error {
	log.Warn().Str("member", member).Msg("force disconnect requested")
	return nil
}
func (v *loggingMembershipView) SurpriseMember(identity *wire.MemberIdentity) error {
	log.Info().Str("host", identity.Host).Str("instance", identity.Instance).Msg("surprise member")
	return nil
}

func run() error {
	instance := "1"
	if len(os.Args) > 1 {
		instance = os.Args[1]
	}

	c := &config.Config{
		Host:                 "localhost",
		Instance:             instance,
		EventChannelLength:   256,
		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,
		TcpReconnectWindow:   17,
		LogPrefix:            "p2plinkd",
		LogDebug:             false,
	}

	switch instance {
	case "1":
		c.SelfAddress = "localhost:7801"
		c.PeerAddressList = []string{"localhost:7802", "localhost:7803"}
	case "2":
		c.SelfAddress = "localhost:7802"
		c.PeerAddressList = []string{"localhost:7801", "localhost:7803"}
	case "3":
		c.SelfAddress = "localhost:7803"
		c.PeerAddressList = []string{"localhost:7801", "localhost:7802"}
	default:
		return fmt.Errorf("must specify instance 1/2/3")
	}

	if err := c.Validate(); err != nil {
		return err
	}

	self := &wire.MemberIdentity{Host: c.Host, Instance: c.Instance}

	stats := &demoStats{}
	deps := conn.Deps{
		Membership: &loggingMembershipView{stats: stats},
		Dispatch:   &loggingDispatchManager{logPrefix: c.LogPrefix, stats: stats},
		Table:      conntable.NewMemTable(),
		Vendor:     bufferpool.NewVendor(),
		Arbiter:    socket.NewArbiterForConfig(c.EventChannelLength, c.LogDebug),
		Filters:    &iofilter.PlainFactory{},
	}

	matrix, err := socket.NewMatrix(c, deps, self)
	if err != nil {
		return fmt.Errorf("p2plinkd: %w", err)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	stats.shuttingDown = true
	matrix.Shutdown()

	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("p2plinkd exiting")
	}
}
