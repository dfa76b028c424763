// Package dispatch declares the distribution manager collaborator: an
// excluded external dependency per spec.md section 1 that accepts
// dispatched messages and exposes a cancel criterion, config, and stats.
package dispatch

import (
	"context"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

// CancelCriterion lets the reader loop observe system-wide shutdown at
// every suspension point, per spec.md section 5.
type CancelCriterion interface {
	// CancelInProgress reports whether the local system is stopping.
	CancelInProgress() bool
}

// Stats exposes the counters a connection should update and a caller
// might sample (messagesSent/messagesReceived aggregated across the
// table, queue depth, conflation counts).
type Stats interface {
	IncMessagesSent()
	IncMessagesReceived()
	IncAsyncConflatedMsgs()
	IncAsyncQueueSizeExceeded()
}

// Manager is the distribution manager collaborator: receives dispatched
// NORMAL/reassembled messages and supplies cancellation/stats.
type Manager interface {
	// Dispatch hands a fully decoded message from peer to the
	// distribution manager. directAck indicates the frame requested a
	// direct-ack reply (spec.md section 4.10); the manager is expected to
	// reply on the same connection via Connection.ReplyDirectAck rather
	// than through this method when directAck is true.
	Dispatch(ctx context.Context, peer *wire.MemberIdentity, env *wire.Envelope, directAck bool) error

	CancelCriterion() CancelCriterion
	Stats() Stats
}
