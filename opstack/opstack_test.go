package opstack

import (
	"testing"
	"time"

	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/reply"
)

func newTestSocket(arb *oplock.Arbiter, owner string) *ControlSocket {
	return New(arb, owner, "srv", time.Second, nil)
}

func TestControlSocket_SendNextCommandResetsOnOK(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	var messages []reply.Code
	cs.OnMessage = func(kind Kind, code reply.Code, msg string) { messages = append(messages, code) }

	cs.Push(NewFuncOp(KindRawCmd, func() reply.Code { return reply.OK }, nil))

	code := cs.SendNextCommand()
	if !code.Has(reply.OK) {
		t.Fatalf("SendNextCommand() = %v, want OK", code)
	}
	if cs.CurrentOp() != nil {
		t.Error("stack should be empty after a root op resets with OK")
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 root message, got %d", len(messages))
	}
}

func TestControlSocket_SubcommandResultBubblesToParent(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")

	var parentSawChild reply.Code
	parent := NewFuncOp(KindList, func() reply.Code { return reply.WOULDBLOCK },
		func(prev reply.Code, popped Op) reply.Code {
			parentSawChild = prev
			return reply.OK
		})
	cs.Push(parent)
	cs.Push(NewFuncOp(KindRawCmd, func() reply.Code { return reply.OK }, nil))

	// Driving the child to completion pops it and routes its result to
	// the parent's SubcommandResult, then interprets the parent's own
	// verdict (OK here resets the whole stack).
	code := cs.SendNextCommand()
	if !code.Has(reply.OK) {
		t.Fatalf("SendNextCommand() = %v, want OK", code)
	}
	if !parentSawChild.Has(reply.OK) {
		t.Errorf("parent.SubcommandResult received %v, want OK", parentSawChild)
	}
	if cs.CurrentOp() != nil {
		t.Error("stack should be empty after parent resets with OK")
	}
}

func TestControlSocket_ResetOperationReleasesLockOnPop(t *testing.T) {
	t.Parallel()

	arb := oplock.New()
	cs := newTestSocket(arb, "a")
	cs.Push(NewFuncOp(KindList, func() reply.Code { return reply.OK }, nil))

	if !cs.TryLock("/dir", "list", nil) {
		t.Fatal("TryLock() should grant immediately with no competitor")
	}
	if held, _ := arb.Holds("a"); !held {
		t.Fatal("arbiter should show a as holding the lock")
	}

	cs.SendNextCommand()

	if held, _ := arb.Holds("a"); held {
		t.Error("lock should have been released when the op popped")
	}
}

func TestControlSocket_ResetOperationFiresDirectoryListingOnlyForInitiatedUpload(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	var fired int
	cs.OnDirectoryListing = func(path string, sentByListing, failed bool) { fired++ }

	op := NewFuncOp(KindTransfer, func() reply.Code { return reply.OK }, nil)
	op.SetIsDownload(false)
	op.SetTransferInitiated(true)
	cs.Push(op)

	cs.SendNextCommand()
	if fired != 1 {
		t.Errorf("OnDirectoryListing fired %d times, want 1 for a completed, initiated upload", fired)
	}
}

func TestControlSocket_ResetOperationSkipsDirectoryListingForDownload(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	var fired int
	cs.OnDirectoryListing = func(path string, sentByListing, failed bool) { fired++ }

	op := NewFuncOp(KindTransfer, func() reply.Code { return reply.OK }, nil)
	op.SetIsDownload(true)
	op.SetTransferInitiated(true)
	cs.Push(op)

	cs.SendNextCommand()
	if fired != 0 {
		t.Errorf("OnDirectoryListing fired %d times, want 0 for a completed download", fired)
	}
}

func TestControlSocket_ResetOperationSkipsDirectoryListingWhenNotInitiated(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	var fired int
	cs.OnDirectoryListing = func(path string, sentByListing, failed bool) { fired++ }

	op := NewFuncOp(KindTransfer, func() reply.Code { return reply.OK }, nil)
	op.SetIsDownload(false)
	cs.Push(op)

	cs.SendNextCommand()
	if fired != 0 {
		t.Errorf("OnDirectoryListing fired %d times, want 0 for an upload that never started moving bytes", fired)
	}
}

func TestControlSocket_CancelDuringConnectClosesDirectly(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	var closedWith reply.Code
	cs.DoClose = func(code reply.Code) { closedWith = code }
	cs.Push(NewFuncOp(KindConnect, nil, nil))

	got := cs.Cancel()
	if !got.Has(reply.CANCELED) {
		t.Fatalf("Cancel() = %v, want CANCELED", got)
	}
	if !closedWith.Has(reply.CANCELED) {
		t.Errorf("DoClose called with %v, want CANCELED", closedWith)
	}
}

func TestControlSocket_TimerFiresTimeoutAfterElapsed(t *testing.T) {
	t.Parallel()

	cs := New(oplock.New(), "a", "srv", 10*time.Millisecond, nil)
	var closedWith reply.Code
	cs.DoClose = func(code reply.Code) { closedWith = code }
	cs.Push(NewFuncOp(KindRawCmd, func() reply.Code { return reply.WOULDBLOCK }, nil))

	start := time.Now()
	cs.SetAlive(start)
	cs.SetWait(true)

	remaining := cs.TimerFired(start.Add(20 * time.Millisecond))
	if remaining != 0 {
		t.Errorf("TimerFired() remaining = %v, want 0 (timeout should have fired)", remaining)
	}
	if !closedWith.Has(reply.TIMEOUT) {
		t.Errorf("DoClose called with %v, want TIMEOUT", closedWith)
	}
}

func TestControlSocket_TimerDoesNotAccrueWhileWaitingForAsync(t *testing.T) {
	t.Parallel()

	cs := New(oplock.New(), "a", "srv", 10*time.Millisecond, nil)
	closed := false
	cs.DoClose = func(code reply.Code) { closed = true }

	op := NewFuncOp(KindRawCmd, nil, nil)
	op.SetWaitForAsync(true)
	cs.Push(op)

	start := time.Now()
	cs.SetAlive(start)
	cs.SetWait(true)

	cs.TimerFired(start.Add(time.Second))
	if closed {
		t.Error("timer should not fire while wait_for_async is true")
	}
}

func TestControlSocket_InvalidateCurrentPathIsDeferredWhileOpInFlight(t *testing.T) {
	t.Parallel()

	cs := newTestSocket(oplock.New(), "a")
	cs.SetCurrentPath("/home")
	cs.Push(NewFuncOp(KindRawCmd, func() reply.Code { return reply.OK }, nil))

	cs.InvalidateCurrentPath()
	if cs.CurrentPath() != "/home" {
		t.Error("current_path should not clear immediately while an op is in flight")
	}

	cs.SendNextCommand()
	if cs.CurrentPath() != "" {
		t.Error("current_path should clear once the in-flight op resets")
	}
}
