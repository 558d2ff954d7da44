// Package ratelimit adapts golang.org/x/time/rate's token bucket into
// io.Reader/io.Writer wrappers, the shape the transfer pipeline (C2)
// needs to throttle a file copy without threading a limiter argument
// through every read/write call site.
package ratelimit

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// New builds a limiter allowing bytesPerSecond sustained throughput with
// a one-second burst capacity. The bucket starts empty, so the first
// bytes are paced too. A non-positive bytesPerSecond disables limiting
// (nil limiter).
func New(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	l.AllowN(time.Now(), bytesPerSecond)
	return l
}

const maxChunk = 32 * 1024

type reader struct {
	r       io.Reader
	limiter *rate.Limiter
}

// NewReader wraps r so each Read is throttled by limiter. A nil limiter
// returns r unchanged.
func NewReader(r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		_ = r.limiter.WaitN(context.Background(), n)
	}
	return n, err
}

type writer struct {
	w       io.Writer
	limiter *rate.Limiter
}

// NewWriter wraps w so each Write is throttled by limiter, applying
// backpressure before bytes leave the process rather than after. A nil
// limiter returns w unchanged.
func NewWriter(w io.Writer, limiter *rate.Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		end := total + maxChunk
		if end > len(p) {
			end = len(p)
		}
		chunk := p[total:end]
		if err := w.limiter.WaitN(context.Background(), len(chunk)); err != nil {
			return total, err
		}
		n, err := w.w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
