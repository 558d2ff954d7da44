// Package oplock implements the process-wide FIFO cache lock arbiter
// (§4.6): fair mutual exclusion over (server, directory, reason) tuples
// across all control-socket instances sharing an Arbiter.
package oplock

import "sync"

// Reason is a categorical tag distinguishing compatible vs. conflicting
// activity on the same directory (e.g. "list", "mkdir").
type Reason string

// Owner identifies a control socket. Any comparable value the caller
// consistently reuses for the lifetime of one connection works.
type Owner any

// WakeFunc delivers the obtain_lock event to a previously-waiting owner.
// It must not block and must not call back into the Arbiter synchronously
// from within itself (post it to the owner's own event loop instead).
type WakeFunc func()

type record struct {
	owner     Owner
	server    string
	directory string
	reason    Reason
	waiting   bool
	count     int
	wake      WakeFunc
}

// Arbiter holds the single global FIFO of lock records. Constructed once
// and shared by every ControlSocket in the process (passed in at
// construction, never stored as a package-level global, per the design
// note in §9).
type Arbiter struct {
	mu      sync.Mutex
	records []*record
}

// New creates an empty arbiter.
func New() *Arbiter {
	return &Arbiter{}
}

func (a *Arbiter) indexOfLocked(owner Owner) int {
	for i, r := range a.records {
		if r.owner == owner {
			return i
		}
	}
	return -1
}

func matches(r *record, server, directory string, reason Reason) bool {
	return r.server == server && r.directory == directory && r.reason == reason
}

// TryLock attempts to acquire (server, directory, reason) for owner. A
// recursive acquire by an owner that already holds the lock (count>0)
// just increments count and returns true immediately. Otherwise the
// owner is inserted (or reused, if already waiting) at its FIFO
// position and the lock is granted only if no strictly earlier record
// matches the same tuple. wake is stored so a later Unlock can deliver
// the obtain_lock event; it is only ever invoked for a record still
// waiting, never for the immediate caller.
func (a *Arbiter) TryLock(owner Owner, server, directory string, reason Reason, wake WakeFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOfLocked(owner)
	if idx >= 0 && a.records[idx].count > 0 {
		a.records[idx].count++
		return true
	}

	var rec *record
	if idx >= 0 {
		rec = a.records[idx]
		rec.server, rec.directory, rec.reason, rec.wake = server, directory, reason, wake
	} else {
		rec = &record{owner: owner, server: server, directory: directory, reason: reason, waiting: true, wake: wake}
		a.records = append(a.records, rec)
		idx = len(a.records) - 1
	}

	for i := 0; i < idx; i++ {
		if matches(a.records[i], server, directory, reason) {
			rec.waiting = true
			rec.count = 0
			return false
		}
	}

	rec.waiting = false
	rec.count = 1
	return true
}

// IsLocked reports whether (server, directory, reason) is currently held
// by anyone earlier in the FIFO than owner — or by anyone at all, if
// owner has no record. This asymmetry (own-record-relative vs. global)
// is intentional; see §9's open question, preserved verbatim.
func (a *Arbiter) IsLocked(owner Owner, server, directory string, reason Reason) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOfLocked(owner)
	limit := len(a.records)
	if idx >= 0 {
		limit = idx
	}
	for i := 0; i < limit; i++ {
		if matches(a.records[i], server, directory, reason) {
			return true
		}
	}
	return false
}

// Unlock releases owner's lock. Only valid when the caller actually
// holds it (count>0 and not waiting). A recursive holder (count>1) just
// decrements; the true release erases the record and wakes the first
// subsequent waiter matching the same tuple.
func (a *Arbiter) Unlock(owner Owner) {
	a.mu.Lock()

	idx := a.indexOfLocked(owner)
	if idx < 0 || a.records[idx].waiting || a.records[idx].count == 0 {
		a.mu.Unlock()
		return
	}

	rec := a.records[idx]
	if rec.count > 1 {
		rec.count--
		a.mu.Unlock()
		return
	}

	server, directory, reason := rec.server, rec.directory, rec.reason
	a.records = append(a.records[:idx], a.records[idx+1:]...)

	var toWake WakeFunc
	for i := idx; i < len(a.records); i++ {
		if a.records[i].waiting && matches(a.records[i], server, directory, reason) {
			toWake = a.records[i].wake
			break
		}
	}
	a.mu.Unlock()

	if toWake != nil {
		toWake()
	}
}

// ObtainLockFromEvent is called by the awakened owner in response to the
// obtain_lock event. It re-checks "any earlier match?"; if owner is still
// at the head of its queue for that tuple it promotes to holder and
// returns the reason plus ok=true, otherwise it stays waiting (ok=false).
func (a *Arbiter) ObtainLockFromEvent(owner Owner) (reason Reason, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOfLocked(owner)
	if idx < 0 || !a.records[idx].waiting {
		return "", false
	}
	rec := a.records[idx]

	for i := 0; i < idx; i++ {
		if matches(a.records[i], rec.server, rec.directory, rec.reason) {
			return "", false
		}
	}

	rec.waiting = false
	rec.count = 1
	return rec.reason, true
}

// Holds reports whether owner currently holds a granted (non-waiting)
// lock, and how many nested acquisitions are outstanding.
func (a *Arbiter) Holds(owner Owner) (held bool, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOfLocked(owner)
	if idx < 0 {
		return false, 0
	}
	rec := a.records[idx]
	return !rec.waiting && rec.count > 0, rec.count
}

// Forget drops owner's record unconditionally, used when a control
// socket is destroyed while still waiting (never while holding — the
// operation-stack teardown always Unlocks a held lock first).
func (a *Arbiter) Forget(owner Owner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOfLocked(owner)
	if idx >= 0 {
		a.records = append(a.records[:idx], a.records[idx+1:]...)
	}
}
