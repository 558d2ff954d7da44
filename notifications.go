// Package xferengine ties the core components (ring, pipeline, transport,
// opstack, oplock, overwrite, dircache, charset) into the single object a
// caller constructs: an Engine per remote connection, wired with the
// options in options.go and driven by a protocol driver from protocols/.
package xferengine

import (
	"sync/atomic"

	"github.com/nolanwright/xferengine/overwrite"
)

// DirectoryListingNotification is emitted after a completed upload updates
// the directory cache, and on listing completion or failure (§6).
type DirectoryListingNotification struct {
	Path          string
	SentByListing bool
	Failed        bool
}

// LocalDirCreatedNotification fires once per directory actually created
// while opening a file writer (§6, §4.2's intermediate-directory walk).
type LocalDirCreatedNotification struct {
	Path string
}

// FileExistsNotification is the async request issued before a transfer
// that would overwrite an existing target; it carries the same fields as
// overwrite.Request plus the request number a reply must echo.
type FileExistsNotification struct {
	RequestNumber uint64
	Request       overwrite.Request
}

// AsyncRequestNotification is the generic envelope for any request needing
// a user-space round trip before the operation can proceed. ID is an
// externally-observable correlation token (see the DOMAIN STACK's
// google/uuid entry); RequestNumber is the monotonic integer §3 requires
// for matching replies against the op-stack that issued them.
type AsyncRequestNotification struct {
	ID            string
	RequestNumber uint64
	Payload       any
}

// NotificationSink receives every notification the engine emits. Callers
// implement this to bridge into their own UI or event system. The engine
// calls each method synchronously, on the goroutine that emits the
// notification, and waits for it to return.
type NotificationSink interface {
	NotifyDirectoryListing(DirectoryListingNotification)
	NotifyLocalDirCreated(LocalDirCreatedNotification)
	NotifyFileExists(FileExistsNotification)
	NotifyAsyncRequest(AsyncRequestNotification)
}

// discardSink is the default NotificationSink when the caller supplies
// none, so an Engine is usable without wiring notifications immediately.
type discardSink struct{}

func (discardSink) NotifyDirectoryListing(DirectoryListingNotification) {}
func (discardSink) NotifyLocalDirCreated(LocalDirCreatedNotification)   {}
func (discardSink) NotifyFileExists(FileExistsNotification)             {}
func (discardSink) NotifyAsyncRequest(AsyncRequestNotification)         {}

// requestCounter allocates the monotonically increasing async request
// numbers §3 and §6 require ("allocate next async request number").
type requestCounter struct {
	next atomic.Uint64
}

func (c *requestCounter) allocate() uint64 {
	return c.next.Add(1)
}
