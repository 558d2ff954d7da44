// Package ring implements the fixed-count buffer ring shared between a
// producer and a consumer across a goroutine boundary. It is the AIO
// primitive the reader and writer pipelines (package pipeline) are built
// on: one mutex, one condition variable, N reusable byte slices.
package ring

import "sync"

// Result is the outcome of a ring operation.
type Result int

const (
	// OK means the call succeeded; for producer calls a fresh buffer is
	// returned, for consumer calls a filled slot is returned.
	OK Result = iota
	// Wait is a producer result: the ring is at capacity, or (from
	// Finalize) committed slots are still waiting for the consumer. The
	// caller must suspend until a Ready event arrives. Consumer calls never
	// return Wait; an empty ring is reported as ok=false.
	Wait
	// Error is sticky: once set, every subsequent call returns Error.
	Error
)

// ReadyFunc is invoked at most once per Wait->drained transition, from
// whichever goroutine performs the draining. It must not block.
type ReadyFunc func()

// Ring is a ring of N equal-capacity buffers indexed by (readyPos+k)%N.
// The producer writes into slot (readyPos+readyCount)%N; the consumer
// reads from slot readyPos. Guarded by a single mutex/condvar pair so
// suspension points are exactly the mutex acquisition and the wait.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	bufs    [][]byte
	filled  []int // number of valid bytes in each slot
	bufSize int
	n       int

	readyPos   int
	readyCount int

	processing     bool // a buffer has been handed to the producer and not yet committed
	handlerWaiting bool // producer is blocked because the ring is full
	consumerWaits  bool // consumer is blocked in Wait() because the ring is empty
	errored        bool
	finalized      bool
	closing        bool // owner is tearing down; wakes parked waiters without marking Error

	onReady   ReadyFunc // fired when a full-ring producer can proceed again
	onDrained ReadyFunc // stored by OnDrained; no Ring method invokes it
}

// New creates a ring of n buffers (n>=2) each with the given capacity.
func New(n, bufSize int) *Ring {
	if n < 2 {
		n = 2
	}
	r := &Ring{
		bufs:    make([][]byte, n),
		filled:  make([]int, n),
		bufSize: bufSize,
		n:       n,
	}
	for i := range r.bufs {
		r.bufs[i] = make([]byte, bufSize)
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// OnReady registers the callback fired when a producer that previously
// received Wait can be handed a fresh buffer again (handlerWaiting cleared).
func (r *Ring) OnReady(f ReadyFunc) {
	r.mu.Lock()
	r.onReady = f
	r.mu.Unlock()
}

// OnDrained stores a callback for the empty-ring consumer case. No Ring
// method invokes it: a consumer that got ok=false from TryNextReady
// receives no event when a slot is later committed.
func (r *Ring) OnDrained(f ReadyFunc) {
	r.mu.Lock()
	r.onDrained = f
	r.mu.Unlock()
}

// SetError marks the ring as failed. Sticky: every subsequent call
// returns Error.
func (r *Ring) SetError() {
	r.mu.Lock()
	r.errored = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Close wakes any goroutine parked in NextReady/WaitForSpace so the
// owning pipeline's Close can join its worker without blocking forever.
// Unlike SetError, closing is not a failure: NextReady/WaitForSpace wake
// and report as if the ring had drained/filled, not as an error.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closing = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// writeSlot returns the writable slot for the currently in-flight producer
// buffer: (readyPos+readyCount) mod n.
func (r *Ring) writeSlot() int {
	return (r.readyPos + r.readyCount) % r.n
}

// commitLocked commits the in-flight buffer (n bytes valid) at the write
// slot and advances readyCount. Must be called with r.mu held. Returns
// true if the consumer needs waking (readyCount transitioned 0->1).
func (r *Ring) commitLocked(nBytes int) bool {
	slot := r.writeSlot()
	r.filled[slot] = nBytes
	wasEmpty := r.readyCount == 0
	r.readyCount++
	r.processing = false
	return wasEmpty
}

// GetWriteBuffer commits the previously handed-out buffer (if non-empty,
// nBytes valid bytes) and hands back a fresh empty buffer to fill. When
// the ring is full it returns Wait and marks handlerWaiting so the
// eventual drain wakes this caller via onReady.
func (r *Ring) GetWriteBuffer(nBytesInLast int) (Result, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errored {
		return Error, nil
	}

	if r.processing && nBytesInLast > 0 {
		if r.commitLocked(nBytesInLast) {
			r.cond.Signal()
		}
	} else if r.processing {
		r.processing = false
	}

	if r.readyCount == r.n {
		r.handlerWaiting = true
		return Wait, nil
	}

	r.processing = true
	slot := r.writeSlot()
	return OK, r.bufs[slot][:cap(r.bufs[slot])]
}

// Write is the synchronous convenience form: copies up to one buffer's
// capacity from data, commits it immediately, and reports how much was
// consumed. Returns Wait (with n set to the copied amount) if the ring
// filled up as a result.
func (r *Ring) Write(data []byte) (Result, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errored {
		return Error, 0
	}
	if r.readyCount == r.n {
		r.handlerWaiting = true
		return Wait, 0
	}

	slot := r.writeSlot()
	n := copy(r.bufs[slot][:cap(r.bufs[slot])], data)
	r.filled[slot] = n
	wasEmpty := r.readyCount == 0
	r.readyCount++
	if wasEmpty {
		r.cond.Signal()
	}

	if r.readyCount == r.n {
		r.handlerWaiting = true
		return Wait, n
	}
	return OK, n
}

// Retire commits the in-flight buffer without requesting a replacement.
func (r *Ring) Retire(nBytesInLast int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errored {
		return Error
	}
	if !r.processing {
		return OK
	}
	if r.commitLocked(nBytesInLast) {
		r.cond.Signal()
	}
	if r.readyCount == r.n {
		r.handlerWaiting = true
		return Wait
	}
	return OK
}

// Finalize commits any in-flight buffer, then, once the ring has fully
// drained, invokes continueFinalize (the subclass hook — fsync and
// similar) and marks the ring finalized on success.
func (r *Ring) Finalize(nBytesInLast int, continueFinalize func() error) Result {
	r.mu.Lock()
	if r.errored {
		r.mu.Unlock()
		return Error
	}
	if r.processing && nBytesInLast > 0 {
		if r.commitLocked(nBytesInLast) {
			r.cond.Signal()
		}
	} else {
		r.processing = false
	}

	if r.readyCount > 0 {
		r.handlerWaiting = true
		r.mu.Unlock()
		return Wait
	}
	r.mu.Unlock()

	if continueFinalize != nil {
		if err := continueFinalize(); err != nil {
			r.SetError()
			return Error
		}
	}

	r.mu.Lock()
	r.finalized = true
	r.mu.Unlock()
	return OK
}

// NextReady blocks (releasing the mutex while waiting) until a slot is
// ready or the ring errors, then drains it fully (copying its bytes out,
// so the producer may reuse the slot), advances readyPos, and fires
// onReady if a producer was parked on a full ring.
func (r *Ring) NextReady() (buf []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.readyCount == 0 && !r.errored && !r.closing {
		r.consumerWaits = true
		r.cond.Wait()
	}
	r.consumerWaits = false

	if r.errored || r.closing {
		return nil, false
	}

	slot := r.readyPos
	out := append([]byte(nil), r.bufs[slot][:r.filled[slot]]...)
	r.readyPos = (r.readyPos + 1) % r.n
	r.readyCount--
	r.cond.Broadcast()

	if r.handlerWaiting {
		r.handlerWaiting = false
		if r.onReady != nil {
			cb := r.onReady
			r.mu.Unlock()
			cb()
			r.mu.Lock()
		}
	}

	return out, true
}

// TryNextReady is the non-blocking variant used by consumers that must
// not suspend (e.g. inside the control thread's event loop): if the ring
// is empty it returns ok=false immediately instead of waiting. The
// onDrained callback is not fired, so the caller is not told when data
// later arrives. Like NextReady, it returns a copy of the slot's bytes.
func (r *Ring) TryNextReady() (buf []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errored || r.closing {
		return nil, false
	}
	if r.readyCount == 0 {
		return nil, false
	}

	slot := r.readyPos
	out := append([]byte(nil), r.bufs[slot][:r.filled[slot]]...)
	r.readyPos = (r.readyPos + 1) % r.n
	r.readyCount--
	r.cond.Broadcast()

	if r.handlerWaiting {
		r.handlerWaiting = false
		if r.onReady != nil {
			cb := r.onReady
			r.mu.Unlock()
			cb()
			r.mu.Lock()
		}
	}

	return out, true
}

// WaitForSpace blocks a producer-side worker goroutine until the ring has
// room for another slot, has errored, or is closing — the dual of
// NextReady's consumer wait, used by a reader worker that fills buffers
// rather than draining them.
func (r *Ring) WaitForSpace() (errored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.readyCount == r.n && !r.errored && !r.closing {
		r.cond.Wait()
	}
	return r.errored || r.closing
}

// ReadyCount reports the number of fully committed slots (0..N).
func (r *Ring) ReadyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyCount
}

// Finalized reports whether Finalize has completed successfully.
func (r *Ring) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Errored reports the sticky error flag.
func (r *Ring) Errored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errored
}

// Size returns the buffer capacity used by every slot.
func (r *Ring) Size() int { return r.bufSize }

// Count returns the number of slots N.
func (r *Ring) Count() int { return r.n }
