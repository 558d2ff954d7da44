package opstack

import (
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/reply"
)

// TryLock bridges §4.6's try_lock into the current top-of-stack op: on
// success (immediate or recursive) it marks the op's holds_lock so
// ResetOperation is guaranteed to release it later. wake fires the
// obtain_lock event back onto this socket's own event loop when it is
// this connection's turn.
func (c *ControlSocket) TryLock(directory string, reason oplock.Reason, wake func()) bool {
	c.mu.Lock()
	top := c.top
	c.mu.Unlock()
	if top == nil {
		return false
	}

	ok := c.arbiter.TryLock(c.lockOwner, c.server, directory, reason, wake)
	if ok {
		top.op.SetHoldsLock(true)
	}
	return ok
}

// IsLocked bridges is_locked, preserving the intentional asymmetric scan
// documented in §9: relative to this socket's own record if it has one,
// otherwise across every record.
func (c *ControlSocket) IsLocked(directory string, reason oplock.Reason) bool {
	return c.arbiter.IsLocked(c.lockOwner, c.server, directory, reason)
}

// Unlock releases the lock currently held by the top-of-stack op, if any.
func (c *ControlSocket) Unlock() {
	c.mu.Lock()
	top := c.top
	c.mu.Unlock()
	if top == nil || !top.op.HoldsLock() {
		return
	}
	top.op.SetHoldsLock(false)
	c.arbiter.Unlock(c.lockOwner)
}

// ObtainLockFromEvent handles the obtain_lock event delivered by the
// arbiter's wake callback: re-checks queue position and, if this socket
// is now first, promotes it to holder.
func (c *ControlSocket) ObtainLockFromEvent() (oplock.Reason, bool) {
	reason, ok := c.arbiter.ObtainLockFromEvent(c.lockOwner)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	top := c.top
	c.mu.Unlock()
	if top != nil {
		top.op.SetHoldsLock(true)
	}
	return reason, true
}

// OnObtainLock implements §4.6's on_obtain_lock: if the event promoted
// this socket to holder, drive one more step and then release — the lock
// is only ever held across a single driven step of the op stack. promoted
// is false when this socket was not actually first in line yet, in which
// case code is meaningless and the socket stays waiting.
func (c *ControlSocket) OnObtainLock() (code reply.Code, promoted bool) {
	c.SetWaitingForLock(false)
	if _, ok := c.ObtainLockFromEvent(); !ok {
		c.SetWaitingForLock(true)
		return 0, false
	}
	code = c.SendNextCommand()
	c.Unlock()
	return code, true
}
