package opstack

import (
	"time"

	"github.com/nolanwright/xferengine/reply"
)

// SetAlive stamps last_activity to now (§4.5); called on every socket
// event that proves the connection is still making progress.
func (c *ControlSocket) SetAlive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// SetWait arms or disarms the one-shot timer. Arming only takes effect if
// it isn't already armed (the timer is rearmed, not stacked); disarming
// always clears the flag. The actual timer/ticker is owned by the
// caller's event loop — ControlSocket only tracks whether one *should* be
// running, and TimerFired evaluates elapsed time against last_activity
// each time the caller's timer actually fires.
func (c *ControlSocket) SetWait(wait bool) {
	if wait {
		if !c.timerArmed {
			c.timerArmed = true
		}
		return
	}
	c.timerArmed = false
}

// SetWaitingForLock marks whether this socket is currently blocked on the
// cache lock arbiter; while true, TimerFired never accrues timeout.
func (c *ControlSocket) SetWaitingForLock(waiting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isWaitingForLock = waiting
}

// TimerFired implements §4.5's timer-fire logic. now is the caller's
// monotonic clock reading. It returns the remaining duration to rearm
// for when the timeout hasn't yet elapsed, or zero once do_close(TIMEOUT)
// has been triggered.
func (c *ControlSocket) TimerFired(now time.Time) time.Duration {
	c.mu.Lock()
	top := c.top
	timeout := c.timeout
	waitingForLock := c.isWaitingForLock
	lastActivity := c.lastActivity
	armed := c.timerArmed
	c.mu.Unlock()

	if timeout <= 0 || !armed {
		return 0
	}

	waitForAsync := top != nil && top.op.WaitForAsync()
	if waitForAsync || waitingForLock {
		return timeout
	}

	elapsed := now.Sub(lastActivity)
	if elapsed >= timeout {
		c.doClose(reply.TIMEOUT)
		return 0
	}
	return timeout - elapsed
}
