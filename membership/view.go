// Package membership declares the connection subsystem's view onto the
// membership service: an excluded external collaborator per spec.md
// section 1. A Connection holds only this interface, never a concrete
// membership manager, breaking the self-referential peer graph per
// spec.md section 9.
package membership

import (
	"github.com/Meander-Cloud/go-p2plink/wire"
)

// View exposes the member-identity and liveness queries the connection
// subsystem needs without depending on the membership service's own
// package.
type View interface {
	// IsSuspect reports whether member is already under failure-detection
	// suspicion.
	IsSuspect(member string) bool

	// Suspect starts a failure-detection probe against member, citing
	// reason (e.g. ack-wait escalation, spec.md section 4.11).
	Suspect(member string, reason string)

	// IsShunned reports whether the local node has already decided member
	// is gone and will reject its traffic.
	IsShunned(member string) bool

	// HasLeft reports whether member is no longer present in the
	// membership view at all (distinct from merely shunned).
	HasLeft(member string) bool

	// ShutdownInProgress reports whether the local node is stopping, used
	// to gate suspicion escalation and reconnect loops.
	ShutdownInProgress() bool

	// ForceDisconnect asks membership to force-remove member, used by the
	// slow-receiver disconnect path (spec.md section 4.9/4.12). It blocks
	// until the removal has propagated or a grace period elapses.
	ForceDisconnect(member string) error

	// SurpriseMember registers identity as a member the local node did
	// not already know about, idempotently, per spec.md section 4.6.
	SurpriseMember(identity *wire.MemberIdentity) error
}
