package sftpdriver

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/nolanwright/xferengine/pipeline"
	"github.com/nolanwright/xferengine/ring"
)

// pump drains src into w's ring buffer, throttled by limiter if set,
// reporting bytes written via onProgress (nil is fine).
func pump(src io.Reader, w *pipeline.FileWriter, limiter *rate.Limiter, onProgress func(n int)) error {
	for {
		status, buf := w.GetWriteBuffer(0)
		if status == ring.Error {
			return w.Err()
		}
		n, err := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				_ = limiter.WaitN(context.Background(), n)
			}
			if status := w.Retire(n); status == ring.Error {
				return w.Err()
			}
			if onProgress != nil {
				onProgress(n)
			}
		}
		if err == io.EOF {
			status := w.Finalize(0)
			for status == ring.Wait {
				time.Sleep(time.Millisecond)
				status = w.Finalize(0)
			}
			if status == ring.Error {
				return w.Err()
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
