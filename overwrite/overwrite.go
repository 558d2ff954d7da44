// Package overwrite implements the overwrite decision engine (§4.7): given
// a pending transfer and a user's file_exists reply, it decides whether to
// proceed, resume, rename-and-recheck, or skip — consulting the directory
// cache for an authoritative size/mtime before issuing a fresh request.
package overwrite

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nolanwright/xferengine/dircache"
)

// Action is the action field of a file_exists reply.
type Action int

const (
	Overwrite Action = iota
	OverwriteNewer
	OverwriteSize
	OverwriteSizeOrNewer
	Resume
	Rename
	Skip
)

// ErrMissingContext is returned when required transfer or request fields
// are absent — the caller maps this to INTERNALERROR.
var ErrMissingContext = errors.New("overwrite: missing required context")

// UnknownSize is the sentinel for "this side's size is not known".
const UnknownSize int64 = -1

// Transfer carries the mutable subset of the transfer operation's state
// (§3) that the overwrite engine reads and, on rename/resume, rewrites.
type Transfer struct {
	IsDownload bool
	LocalFile  string
	RemoteFile string
	RemotePath string
	LocalSize  int64
	RemoteSize int64
	Resume     bool
}

// Request mirrors the file_exists notification payload (§6).
type Request struct {
	Download   bool
	LocalFile  string
	RemoteFile string
	RemotePath string
	LocalSize  int64
	RemoteSize int64
	RemoteTime time.Time
	LocalTime  time.Time
	RemoteTimeKnown bool
	LocalTimeKnown  bool
	Ascii      bool
	CanResume  bool
}

// Reply is the user's answer to a file_exists request.
type Reply struct {
	Action  Action
	NewName string // populated when Action == Rename
}

// Decision is the outcome the operation stack must act on.
type Decision int

const (
	// DecisionProceed means call send_next_command.
	DecisionProceed Decision = iota
	// DecisionSkip means reset_operation(OK); StatusMessage explains why.
	DecisionSkip
	// DecisionRetry means the rename produced a target that itself needs
	// a fresh file_exists round-trip; NextRequest carries the new payload.
	DecisionRetry
)

// Result is what Decide returns.
type Result struct {
	Decision      Decision
	StatusMessage string
	NextRequest   *Request
}

// LocalStat resolves an on-disk file's size/mtime for the rename path on
// downloads. Implementations should report ok=false (not an error) for
// "does not exist".
type LocalStat func(path string) (entry dircache.Entry, ok bool, err error)

// Deps bundles the collaborators Decide needs beyond the reply itself.
type Deps struct {
	Cache     dircache.Cache
	Server    string
	LocalStat LocalStat
}

// Decide applies reply.Action to req/t and returns what the operation
// stack should do next. It mutates t in place for resume/rename, matching
// the source's "decide and rewrite the transfer op" contract.
func Decide(reply Reply, req *Request, t *Transfer, deps Deps) (Result, error) {
	if req == nil || t == nil {
		return Result{}, ErrMissingContext
	}

	switch reply.Action {
	case Overwrite:
		return Result{Decision: DecisionProceed}, nil

	case OverwriteNewer:
		if proceedOnNewer(req) {
			return Result{Decision: DecisionProceed}, nil
		}
		return skipResult(req), nil

	case OverwriteSize:
		if proceedOnSize(req) {
			return Result{Decision: DecisionProceed}, nil
		}
		return skipResult(req), nil

	case OverwriteSizeOrNewer:
		if proceedOnSize(req) || proceedOnNewer(req) {
			return Result{Decision: DecisionProceed}, nil
		}
		return skipResult(req), nil

	case Resume:
		relevantSizeKnown := req.RemoteSize != UnknownSize
		if req.Download {
			relevantSizeKnown = req.LocalSize != UnknownSize
		}
		if relevantSizeKnown {
			t.Resume = true
		}
		return Result{Decision: DecisionProceed}, nil

	case Rename:
		if reply.NewName == "" {
			return Result{}, fmt.Errorf("%w: rename requested with no new name", ErrMissingContext)
		}
		return decideRename(reply.NewName, req, t, deps)

	case Skip:
		return skipResult(req), nil

	default:
		return Result{}, fmt.Errorf("%w: unrecognized action %d", ErrMissingContext, reply.Action)
	}
}

// proceedOnNewer implements overwrite_newer: proceed iff the side being
// overwritten (the pre-existing target) is strictly older than the
// incoming side. A missing timestamp on either side means proceed.
func proceedOnNewer(req *Request) bool {
	if !req.LocalTimeKnown || !req.RemoteTimeKnown {
		return true
	}
	if req.Download {
		// Target = local (about to be overwritten), source = remote.
		return req.LocalTime.Before(req.RemoteTime)
	}
	// Target = remote, source = local.
	return req.RemoteTime.Before(req.LocalTime)
}

// proceedOnSize implements overwrite_size: proceed iff sizes differ or
// either side's size is unknown.
func proceedOnSize(req *Request) bool {
	if req.LocalSize == UnknownSize || req.RemoteSize == UnknownSize {
		return true
	}
	return req.LocalSize != req.RemoteSize
}

func skipResult(req *Request) Result {
	name := req.RemoteFile
	verb := "download"
	if !req.Download {
		verb = "upload"
		name = req.LocalFile
	}
	return Result{
		Decision:      DecisionSkip,
		StatusMessage: fmt.Sprintf("Skipping %s of %s", verb, name),
	}
}

// decideRename rewrites the transfer's target name and re-checks whether
// the new name itself collides, issuing a fresh request only if it does.
func decideRename(newName string, req *Request, t *Transfer, deps Deps) (Result, error) {
	if req.Download {
		dir := filepath.Dir(t.LocalFile)
		newPath := filepath.Join(dir, newName)
		t.LocalFile = newPath

		if deps.LocalStat == nil {
			return Result{}, fmt.Errorf("%w: rename needs a local stat function", ErrMissingContext)
		}
		entry, exists, err := deps.LocalStat(newPath)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			t.LocalSize = UnknownSize
			return Result{Decision: DecisionProceed}, nil
		}

		t.LocalSize = entry.Size
		next := &Request{
			Download:        true,
			LocalFile:       newPath,
			RemoteFile:      req.RemoteFile,
			RemotePath:      req.RemotePath,
			LocalSize:       entry.Size,
			RemoteSize:      req.RemoteSize,
			RemoteTime:      req.RemoteTime,
			RemoteTimeKnown: req.RemoteTimeKnown,
			LocalTime:       entry.MTime,
			LocalTimeKnown:  entry.MTimeKnown,
			Ascii:           req.Ascii,
			CanResume:       entry.Size >= 0,
		}
		return Result{Decision: DecisionRetry, NextRequest: next}, nil
	}

	// Upload: rename targets the remote side, checked against the cache
	// rather than a live stat.
	t.RemoteFile = newName
	if deps.Cache == nil {
		return Result{}, fmt.Errorf("%w: rename needs a directory cache", ErrMissingContext)
	}
	entry, found := lookupIgnoringCaseCollisionWithLocal(deps.Cache, deps.Server, req.RemotePath, newName, t.LocalFile)
	if !found {
		t.RemoteSize = UnknownSize
		return Result{Decision: DecisionProceed}, nil
	}

	t.RemoteSize = entry.Size
	next := &Request{
		Download:        false,
		LocalFile:       req.LocalFile,
		RemoteFile:      newName,
		RemotePath:      req.RemotePath,
		LocalSize:       req.LocalSize,
		RemoteSize:      entry.Size,
		RemoteTime:      entry.MTime,
		RemoteTimeKnown: entry.MTimeKnown,
		LocalTime:       req.LocalTime,
		LocalTimeKnown:  req.LocalTimeKnown,
		Ascii:           req.Ascii,
		CanResume:       entry.Size >= 0,
	}
	return Result{Decision: DecisionRetry, NextRequest: next}, nil
}

// lookupIgnoringCaseCollisionWithLocal consults the cache for name but
// ignores a hit that only matches because it differs from the local file
// solely by case (§4.7's "avoid wrong-file overwrite" guard).
func lookupIgnoringCaseCollisionWithLocal(cache dircache.Cache, server, remotePath, name, localFile string) (dircache.Entry, bool) {
	entry, ok := cache.Lookup(server, remotePath, name)
	if !ok {
		return dircache.Entry{}, false
	}
	localBase := filepath.Base(localFile)
	if !strings.EqualFold(localBase, name) || localBase == name {
		return entry, true
	}
	return dircache.Entry{}, false
}
