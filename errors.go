package xferengine

import "errors"

// Sentinel errors for engine-level construction/configuration failures.
// The protocol drivers report wire-level failures as errors wrapped with
// fmt.Errorf; protocols/ftpdriver defines a ProtocolError type that its
// driver does not construct. Control-flow between operations, the lock
// arbiter, and the timeout state machine uses reply.Code instead, since
// it's a bitset rather than a single cause.
var (
	// ErrNoDirectoryCache names the case of an Engine built without
	// WithDirectoryCache. No code in this module returns it; an
	// upload-side rename in the overwrite engine reports a missing cache
	// as overwrite.ErrMissingContext.
	ErrNoDirectoryCache = errors.New("xferengine: no directory cache configured")

	// ErrEngineClosed names use of an Engine after its control socket has
	// torn down. No Engine method returns it.
	ErrEngineClosed = errors.New("xferengine: engine closed")
)
