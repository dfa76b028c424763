package conn

import (
	"time"

	"github.com/Meander-Cloud/go-p2plink/timerkind"
)

// connTimers holds the timer.Timer handles this connection currently has
// outstanding against the shared scheduler, spec.md section 4.11 (C11).
// Firing is delivered as a callback on the go-arbiter goroutine rather than
// on the timer's own goroutine, matching the teacher's convention of
// funneling scheduled work through one dispatch point
// (arbiter/arbiter.go's eventch consumer).
type connTimers struct {
	idle        *time.Timer
	ackWait     *time.Timer
	severeAlert *time.Timer
}

// armIdleTimer (re)starts the idle-timeout watchdog. Connections excluded
// from idle timeout by participatesInIdleTimeout never call this.
func (c *Connection) armIdleTimer() {
	if !c.participatesInIdleTimeout() {
		return
	}
	if c.settings.IdleTimeout <= 0 {
		return
	}

	c.stopIdleTimer()
	c.timers.idle = time.AfterFunc(c.settings.IdleTimeout, func() {
		c.dispatchTimer(timerkind.KindIdle, c.onIdleTimeout)
	})
}

func (c *Connection) stopIdleTimer() {
	if c.timers.idle != nil {
		c.timers.idle.Stop()
		c.timers.idle = nil
	}
}

// onIdleTimeout implements spec.md section 4.11 step 1: an idle
// participating connection with no traffic since the last reset is closed,
// not suspected — idle time alone is not evidence of a hung peer.
func (c *Connection) onIdleTimeout() {
	if c.accessed.CompareAndSwap(true, false) {
		c.armIdleTimer()
		return
	}
	c.log.Info().Msg("idle timeout, closing connection")
	c.CloseForReconnect()
}

// armAckWaitTimer starts the ack-wait escalation timer when a
// direct-ack-bit message is sent and no reply has arrived, spec.md section
// 4.10/4.11 step 2.
func (c *Connection) armAckWaitTimer() {
	if c.settings.AckWaitTimeout <= 0 {
		return
	}

	c.stopAckWaitTimer()
	c.timers.ackWait = time.AfterFunc(c.settings.AckWaitTimeout, func() {
		c.dispatchTimer(timerkind.KindAckWait, c.onAckWaitTimeout)
	})
}

func (c *Connection) stopAckWaitTimer() {
	if c.timers.ackWait != nil {
		c.timers.ackWait.Stop()
		c.timers.ackWait = nil
	}
}

// onAckWaitTimeout escalates to membership.Suspect and arms the more
// severe alert timer, spec.md section 4.11 step 2.
func (c *Connection) onAckWaitTimeout() {
	if c.getState() != StateReadingAck {
		return
	}

	member := c.connKey()
	c.log.Warn().Str("member", member).Msg("ack wait threshold exceeded, suspecting member")
	c.deps.Membership.Suspect(member, "ack-wait-timeout")

	c.armSevereAlertTimer()
}

// armSevereAlertTimer starts the cluster-wide severe-alert escalation,
// spec.md section 4.11 step 3.
func (c *Connection) armSevereAlertTimer() {
	if c.settings.AckSATimeout <= 0 {
		return
	}

	c.stopSevereAlertTimer()
	c.timers.severeAlert = time.AfterFunc(c.settings.AckSATimeout, func() {
		c.dispatchTimer(timerkind.KindSevereAlert, c.onSevereAlertTimeout)
	})
}

func (c *Connection) stopSevereAlertTimer() {
	if c.timers.severeAlert != nil {
		c.timers.severeAlert.Stop()
		c.timers.severeAlert = nil
	}
}

// onSevereAlertTimeout fires the cluster-wide severe alert and bumps every
// sibling in the ack group's transmission-start time forward, so the same
// broadcast does not immediately re-trip an alert for every other member,
// spec.md section 4.11 step 3.
func (c *Connection) onSevereAlertTimeout() {
	if c.getState() != StateReadingAck {
		return
	}

	member := c.connKey()
	c.log.Error().Str("member", member).Msg("severe alert threshold exceeded")

	c.ackGroup.bumpSiblingsTransmissionStart(c, c.settings.AckSATimeout)
}

// stopAllTimers cancels every outstanding timer, called from the close
// path (C12).
func (c *Connection) stopAllTimers() {
	c.stopIdleTimer()
	c.stopAckWaitTimer()
	c.stopSevereAlertTimer()
}

// dispatchTimer hands the fired callback to the shared arbiter goroutine
// rather than running it on the standard-library timer goroutine, matching
// the teacher's single-dispatch-point convention (arbiter/arbiter.go). If
// the connection is already closing the callback is dropped.
func (c *Connection) dispatchTimer(kind timerkind.Kind, f func()) {
	if c.closing.Load() {
		return
	}

	if c.deps.Arbiter == nil {
		f()
		return
	}

	c.deps.Arbiter.Dispatch(f)
}
