// Package dircache defines the directory cache contract (§6) — lookup,
// update, and listing notifications — plus a ristretto-backed reference
// implementation. The core only depends on the Cache interface; the
// backing store is swappable via options.WithDirectoryCache.
package dircache

import (
	"strings"
	"time"
)

// Entry is the authoritative {size, mtime} pair the engine consults
// before issuing a file_exists request (§4.7).
type Entry struct {
	Name  string
	Size  int64
	MTime time.Time
	// MTimeKnown distinguishes "no timestamp on record" from the zero
	// time, since a server may simply never have reported one.
	MTimeKnown bool
}

// Key identifies one cached directory listing.
type Key struct {
	Server string
	Path   string
}

// Cache is the external contract every backing implementation must
// satisfy. Implementations must be safe for concurrent use — per §5 the
// directory cache is the one piece of engine-owned state touched from
// more than one control socket's loop.
type Cache interface {
	// Lookup returns the cached entry for name within (server, path),
	// matched case-insensitively. A hit may therefore differ from name in
	// case; the overwrite package discards hits that match the local file
	// only by case (§4.7). ok is false if the directory itself isn't
	// cached or contains no matching name.
	Lookup(server, path, name string) (entry Entry, ok bool)

	// Update replaces the full listing for (server, path). Called after
	// a successful directory_listing notification.
	Update(server, path string, entries []Entry)

	// Invalidate drops a cached listing, e.g. after an upload changes
	// directory contents server-side but no fresh listing was fetched.
	Invalidate(server, path string)

	// UpdateEntry patches (or inserts) a single entry within an already
	// cached directory, used after an upload completes without forcing
	// a full re-list.
	UpdateEntry(server, path string, entry Entry)
}

// listing is the in-memory representation stored per Key.
type listing struct {
	entries []Entry
}

func (l *listing) find(name string) (Entry, bool) {
	for _, e := range l.entries {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

func (l *listing) upsert(entry Entry) *listing {
	out := &listing{entries: make([]Entry, 0, len(l.entries)+1)}
	replaced := false
	for _, e := range l.entries {
		if strings.EqualFold(e.Name, entry.Name) {
			out.entries = append(out.entries, entry)
			replaced = true
			continue
		}
		out.entries = append(out.entries, e)
	}
	if !replaced {
		out.entries = append(out.entries, entry)
	}
	return out
}
