// Package opstack implements the operation stack (§4.4): a push-down
// stack of in-flight operations whose subcommand results bubble up, plus
// the control socket that drives it, the timeout state machine (§4.5),
// and the cache-lock bridge (§4.6). Protocol drivers (FTP, SFTP, ...)
// plug in by constructing Op values; this package owns none of the wire
// format.
package opstack

import "github.com/nolanwright/xferengine/reply"

// Kind tags which variant an Op is, used for the root-level message
// keying in reset_operation (§4.4 step 3: "op_id × code class").
type Kind int

const (
	KindConnect Kind = iota
	KindList
	KindTransfer
	KindRawCmd
	KindMkdir
	KindRename
	KindChmod
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindList:
		return "list"
	case KindTransfer:
		return "transfer"
	case KindRawCmd:
		return "rawcmd"
	case KindMkdir:
		return "mkdir"
	case KindRename:
		return "rename"
	case KindChmod:
		return "chmod"
	case KindNotSupported:
		return "notsupported"
	default:
		return "unknown"
	}
}

// Op is the trait every operation-stack frame satisfies, independent of
// its concrete variant (§9's "tagged variant... one method" design note).
type Op interface {
	Kind() Kind

	// Send drives the operation one step. It must not block; WOULDBLOCK
	// parks until the next event, CONTINUE re-enters send_next_command.
	Send() reply.Code

	// SubcommandResult delivers a popped child's outcome to its parent.
	// prev is the child's own terminal or WOULDBLOCK/CONTINUE code.
	SubcommandResult(prev reply.Code, popped Op) reply.Code

	HoldsLock() bool
	SetHoldsLock(bool)

	WaitForAsync() bool
	SetWaitForAsync(bool)

	// TransferInitiated reports whether this op has started moving
	// bytes, used by reset_operation's status-reset step.
	TransferInitiated() bool

	// IsDownload reports direction for a KindTransfer op (meaningless for
	// any other kind). reset_operation gates the upload-only
	// directory_listing notification on this being false (§4.4 step 3).
	IsDownload() bool
}

// BaseOp implements the bookkeeping fields common to every Op variant
// (§3's holds_lock, wait_for_async); concrete ops embed it and only
// implement Kind/Send/SubcommandResult.
type BaseOp struct {
	holdsLock    bool
	waitForAsync bool
	initiated    bool
	download     bool
}

func (b *BaseOp) HoldsLock() bool             { return b.holdsLock }
func (b *BaseOp) SetHoldsLock(v bool)         { b.holdsLock = v }
func (b *BaseOp) WaitForAsync() bool          { return b.waitForAsync }
func (b *BaseOp) SetWaitForAsync(v bool)      { b.waitForAsync = v }
func (b *BaseOp) TransferInitiated() bool     { return b.initiated }
func (b *BaseOp) SetTransferInitiated(v bool) { b.initiated = v }
func (b *BaseOp) IsDownload() bool            { return b.download }
func (b *BaseOp) SetIsDownload(v bool)        { b.download = v }

// SendFunc and ResultFunc let simple ops (raw commands, tests) supply
// their behavior as closures instead of a dedicated type.
type SendFunc func() reply.Code
type ResultFunc func(prev reply.Code, popped Op) reply.Code

// FuncOp is a minimal Op built from closures. Protocol drivers use it
// for one-shot commands that don't need their own type; ops with real
// state (transfers, listings) still define their own Op implementation
// embedding BaseOp.
type FuncOp struct {
	BaseOp
	kind   Kind
	send   SendFunc
	result ResultFunc
}

// NewFuncOp builds a FuncOp. result may be nil for a leaf op that is
// never expected to receive a child's outcome; SubcommandResult then
// returns INTERNALERROR.
func NewFuncOp(kind Kind, send SendFunc, result ResultFunc) *FuncOp {
	return &FuncOp{kind: kind, send: send, result: result}
}

func (f *FuncOp) Kind() Kind { return f.kind }

func (f *FuncOp) Send() reply.Code {
	if f.send == nil {
		return reply.INTERNALERROR
	}
	return f.send()
}

func (f *FuncOp) SubcommandResult(prev reply.Code, popped Op) reply.Code {
	if f.result == nil {
		return reply.INTERNALERROR
	}
	return f.result(prev, popped)
}
