package pipeline

import (
	"errors"

	"github.com/nolanwright/xferengine/ring"
)

// ErrSizeLimitExceeded is returned once a MemoryWriter's SizeLimit is exceeded.
var ErrSizeLimitExceeded = errors.New("pipeline: memory writer size limit exceeded")

// MemoryWriter is the writer_base contract without a worker goroutine:
// signal_capacity simply appends the committed slot to a caller-supplied
// buffer. There is no background thread because there is nothing to
// suspend on — appending to a []byte never blocks.
type MemoryWriter struct {
	ring      *ring.Ring
	dst       *[]byte
	sizeLimit int64 // 0 means unlimited
	written   int64
	err       error
	finalized bool
}

// NewMemoryWriter targets dst (which is cleared and grown in place).
// sizeLimit of 0 disables the cap.
func NewMemoryWriter(dst *[]byte, n, bufSize int, sizeLimit int64) *MemoryWriter {
	*dst = (*dst)[:0]
	w := &MemoryWriter{
		ring:      ring.New(n, bufSize),
		dst:       dst,
		sizeLimit: sizeLimit,
	}
	return w
}

// GetWriteBuffer commits the previous buffer (appending it to dst via
// drain) and hands back a fresh one. There is no worker goroutine: the
// "consumer" side runs synchronously inside this call.
func (w *MemoryWriter) GetWriteBuffer(nBytesInLast int) (ring.Result, []byte) {
	status, buf := w.ring.GetWriteBuffer(nBytesInLast)
	w.drain()
	if w.err != nil {
		w.ring.SetError()
		return ring.Error, nil
	}
	return status, buf
}

// Retire commits the in-flight buffer, appends it to dst immediately
// (there is no worker goroutine to hand it to), and enforces the limit.
func (w *MemoryWriter) Retire(nBytesInLast int) ring.Result {
	status := w.ring.Retire(nBytesInLast)
	if status == ring.Error {
		return status
	}
	w.drain()
	if w.err != nil {
		w.ring.SetError()
		return ring.Error
	}
	return status
}

// Finalize commits any remaining buffer, drains it, and marks the writer
// finalized. On non-finalized destruction the caller must clear dst
// itself (Close does this).
func (w *MemoryWriter) Finalize(nBytesInLast int) ring.Result {
	status := w.ring.Finalize(nBytesInLast, nil)
	w.drain()
	if w.err != nil {
		return ring.Error
	}
	if status == ring.Wait {
		// The slot committed above has just been drained; finish now.
		status = w.ring.Finalize(0, nil)
	}
	if status == ring.OK {
		w.finalized = true
	}
	return status
}

func (w *MemoryWriter) drain() {
	for {
		buf, ok := w.ring.TryNextReady()
		if !ok {
			return
		}
		if w.sizeLimit > 0 && w.written+int64(len(buf)) > w.sizeLimit {
			w.err = ErrSizeLimitExceeded
			return
		}
		*w.dst = append(*w.dst, buf...)
		w.written += int64(len(buf))
	}
}

// Err reports the first error observed (typically ErrSizeLimitExceeded).
func (w *MemoryWriter) Err() error { return w.err }

// Close clears the destination buffer if Finalize never completed
// successfully, matching the "on non-finalized destruction the result
// buffer is cleared" contract.
func (w *MemoryWriter) Close() {
	if !w.finalized {
		*w.dst = (*w.dst)[:0]
	}
}
