package opstack

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/reply"
)

// frame links an Op into the stack; parent is nil at the root.
type frame struct {
	op     Op
	parent *frame
}

// MessageFunc receives the root-level user-facing message emitted at the
// end of reset_operation, keyed by the popped root op's kind and the
// code's class (§4.4 step 3).
type MessageFunc func(kind Kind, code reply.Code, message string)

// DirectoryListingFunc is invoked after a completed upload so the caller
// can update its directory cache and emit directory_listing (§4.4 step 3,
// §6).
type DirectoryListingFunc func(path string, sentByListing, failed bool)

// ControlSocket drives one operation stack: push/pop, reset, and the
// send_next_command loop, plus the timeout state machine (C5) and a
// bridge into the process-wide cache lock arbiter (C6). One instance per
// connection; not safe for concurrent use from more than one goroutine,
// matching the cooperative single-threaded model of §5 — callers already
// serialize through their own event loop.
type ControlSocket struct {
	mu sync.Mutex

	top *frame

	arbiter   *oplock.Arbiter
	lockOwner oplock.Owner
	server    string

	closed                bool
	currentPath           string
	invalidateCurrentPath bool

	timeout          time.Duration
	lastActivity     time.Time
	timerArmed       bool
	isWaitingForLock bool

	logger *slog.Logger

	OnMessage           MessageFunc
	OnDirectoryListing  DirectoryListingFunc
	// CanSendNextCommand reports whether the transport is currently able
	// to accept another command; nil means "always yes" (used by ops
	// that don't gate on outbound transport readiness, e.g. in tests).
	CanSendNextCommand func() bool
	// DoClose is invoked when reset_operation determines the socket must
	// tear down (DISCONNECTED, or a timer/cancel-driven close reaching
	// the root). It is the caller's job to actually release the network
	// connection; ControlSocket only clears its own stack state.
	DoClose func(code reply.Code)
}

// New builds a ControlSocket bound to owner within arbiter. owner must be
// stable and comparable for the lifetime of the connection (see
// oplock.Owner).
func New(arbiter *oplock.Arbiter, owner oplock.Owner, server string, timeout time.Duration, logger *slog.Logger) *ControlSocket {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &ControlSocket{
		arbiter:   arbiter,
		lockOwner: owner,
		server:    server,
		timeout:   timeout,
		logger:    logger,
	}
}

// Push installs op as the new top of the stack, parented to the previous
// top (nil if op becomes the new root).
func (c *ControlSocket) Push(op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.top = &frame{op: op, parent: c.top}
}

// CurrentOp returns the top of the stack, or nil if empty.
func (c *ControlSocket) CurrentOp() Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.top == nil {
		return nil
	}
	return c.top.op
}

// Depth reports how many frames are currently on the stack.
func (c *ControlSocket) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for f := c.top; f != nil; f = f.parent {
		n++
	}
	return n
}

func (c *ControlSocket) canSend() bool {
	if c.CanSendNextCommand == nil {
		return true
	}
	return c.CanSendNextCommand()
}

// SendNextCommand implements §4.4's loop: while an op exists, honor
// wait_for_async, then transport readiness (arming the timeout on
// backpressure), then drive the op and interpret its result.
func (c *ControlSocket) SendNextCommand() reply.Code {
	for {
		c.mu.Lock()
		top := c.top
		c.mu.Unlock()

		if top == nil {
			c.logger.Warn("send_next_command invoked with no current operation")
			return reply.ERROR
		}

		if top.op.WaitForAsync() {
			return reply.WOULDBLOCK
		}

		if !c.canSend() {
			c.SetWait(true)
			return reply.WOULDBLOCK
		}

		result := top.op.Send()
		switch {
		case result.Has(reply.CONTINUE):
			continue
		case result.Has(reply.OK):
			return c.ResetOperation(result)
		case result.Has(reply.WOULDBLOCK):
			return result
		case result.Has(reply.DISCONNECTED):
			c.doClose(result)
			return result
		case result.Has(reply.ERROR):
			return c.ResetOperation(result)
		default:
			return c.ResetOperation(reply.INTERNALERROR)
		}
	}
}

// ParseSubcommandResult is the symmetric entry point after a driven child
// operation itself completes: hand its result to the parent and interpret
// what the parent wants next.
func (c *ControlSocket) ParseSubcommandResult(prev reply.Code, popped Op) reply.Code {
	c.mu.Lock()
	parent := c.top
	c.mu.Unlock()

	if parent == nil {
		return c.ResetOperation(reply.INTERNALERROR)
	}

	result := parent.op.SubcommandResult(prev, popped)
	switch {
	case result.Has(reply.WOULDBLOCK):
		return result
	case result.Has(reply.CONTINUE):
		return c.SendNextCommand()
	default:
		return c.ResetOperation(result)
	}
}

// ResetOperation implements §4.4's teardown: release any held cache lock,
// unlink the top frame, bubble to the parent (subcommand_result for a
// terminal code, or recurse for CANCELED/DISCONNECTED/TIMEOUT so the
// whole stack unwinds), then at the root emit the user-facing message and
// reset per-connection transfer/timer/path state.
func (c *ControlSocket) ResetOperation(code reply.Code) reply.Code {
	c.mu.Lock()
	top := c.top
	if top == nil {
		c.mu.Unlock()
		return code
	}

	if top.op.HoldsLock() {
		top.op.SetHoldsLock(false)
		c.mu.Unlock()
		c.arbiter.Unlock(c.lockOwner)
		c.mu.Lock()
	}

	c.top = top.parent
	parent := c.top
	c.mu.Unlock()

	if parent != nil {
		if code.Has(reply.OK) || code.Has(reply.ERROR) {
			return c.ParseSubcommandResult(code, top.op)
		}
		return c.ResetOperation(code)
	}

	// Root reached: emit the message, apply deferred connection-state
	// resets, and hand the terminal code back to the caller.
	c.emitRootMessage(top.op.Kind(), code)

	// Matches original_source/src/engine/ControlSocket.cpp's gating on
	// !pData->download_ && pData->transferInitiated_: a completed
	// download must never trigger the upload-only cache-update
	// notification, and an upload that never actually started moving
	// bytes (e.g. failed before the first write) has nothing to report.
	if top.op.Kind() == KindTransfer && code.Has(reply.OK) && !top.op.IsDownload() && top.op.TransferInitiated() {
		if c.OnDirectoryListing != nil {
			c.OnDirectoryListing(c.currentPath, false, false)
		}
	}

	c.mu.Lock()
	c.SetWait(false)
	if c.invalidateCurrentPath {
		c.currentPath = ""
		c.invalidateCurrentPath = false
	}
	c.mu.Unlock()

	return code
}

func (c *ControlSocket) emitRootMessage(kind Kind, code reply.Code) {
	if c.OnMessage == nil {
		return
	}
	message := classifyMessage(kind, code)
	c.OnMessage(kind, code, message)
}

// classifyMessage renders the op_id x code_class message keyed the way
// §4.4 step 3 describes: critical errors get a "Critical error:" prefix
// suppressed only for the transfer op, whose message is specialized.
func classifyMessage(kind Kind, code reply.Code) string {
	switch {
	case code.Has(reply.CANCELED):
		return kind.String() + " canceled by user"
	case code.Has(reply.CRITICALERROR):
		if kind == KindTransfer {
			return "Transfer failed"
		}
		return "Critical error: " + kind.String() + " failed"
	case code.Has(reply.ERROR):
		return kind.String() + " failed"
	case code.Has(reply.OK):
		return kind.String() + " succeeded"
	default:
		return kind.String() + ": " + code.String()
	}
}

// InvalidateCurrentPath marks current_path for lazy clearing: immediate
// if idle, deferred to the next reset_operation if an op is in flight.
func (c *ControlSocket) InvalidateCurrentPath() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.top == nil {
		c.currentPath = ""
		return
	}
	c.invalidateCurrentPath = true
}

func (c *ControlSocket) CurrentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPath
}

func (c *ControlSocket) SetCurrentPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentPath = path
	c.invalidateCurrentPath = false
}

func (c *ControlSocket) doClose(code reply.Code) {
	if c.DoClose != nil {
		c.DoClose(code)
	}
	c.ResetOperation(code)
}

// Cancel implements §5's cancellation contract.
func (c *ControlSocket) Cancel() reply.Code {
	c.mu.Lock()
	top := c.top
	c.mu.Unlock()

	if top != nil && top.op.Kind() == KindConnect {
		c.doClose(reply.CANCELED)
		return reply.CANCELED
	}
	return c.ResetOperation(reply.CANCELED)
}
