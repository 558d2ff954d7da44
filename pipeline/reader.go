package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nolanwright/xferengine/ring"
)

// FileReader fills a ring buffer from a file offset on a dedicated
// worker goroutine; the caller drains it as the network write side.
type FileReader struct {
	ring   *ring.Ring
	f      *os.File
	size   int64
	logger *slog.Logger

	mu      sync.Mutex
	quit    bool
	quitCh  chan struct{}
	wg      sync.WaitGroup
	onReady ReadyFunc
	err     error
}

// OpenFileReader opens path for reading at offset and starts filling the
// ring in the background.
func OpenFileReader(path string, offset int64, n, bufSize int, logger *slog.Logger) (*FileReader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
		}
	}

	r := &FileReader{
		ring:   ring.New(n, bufSize),
		f:      f,
		size:   info.Size(),
		logger: logger,
		quitCh: make(chan struct{}),
	}
	r.ring.OnDrained(func() {
		r.mu.Lock()
		cb := r.onReady
		r.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	r.wg.Add(1)
	go r.workerLoop()

	return r, nil
}

// Size reports the file's byte size as of open time.
func (r *FileReader) Size() int64 { return r.size }

// OnReady registers a callback through the ring's OnDrained hook. The
// ring never invokes that hook, so the callback is not fired when a slot
// becomes available after Read reported an empty ring.
func (r *FileReader) OnReady(f ReadyFunc) {
	r.mu.Lock()
	r.onReady = f
	r.mu.Unlock()
}

// Read is the consumer half of the contract. A returned empty buffer
// with ok==true means EOF; ok==false means the ring is empty right now
// (or has errored or been closed). No Ready event follows an ok==false;
// the caller learns of new data only by calling Read again or by
// BlockingRead.
func (r *FileReader) Read() (buf []byte, ok bool) {
	return r.ring.TryNextReady()
}

// BlockingRead is the worker-thread variant that suspends on the
// condition variable instead of polling.
func (r *FileReader) BlockingRead() (buf []byte, ok bool) {
	return r.ring.NextReady()
}

func (r *FileReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the worker, joins it, and closes the file.
func (r *FileReader) Close() error {
	r.mu.Lock()
	if r.quit {
		r.mu.Unlock()
		return nil
	}
	r.quit = true
	r.mu.Unlock()

	close(r.quitCh)
	r.ring.Close()
	r.wg.Wait()

	return r.f.Close()
}

// workerLoop fills empty buffers from the file; an empty slot signals EOF.
func (r *FileReader) workerLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.quitCh:
			return
		default:
		}

		status, buf := r.ring.GetWriteBuffer(0)
		switch status {
		case ring.Error:
			return
		case ring.Wait:
			if errored := r.ring.WaitForSpace(); errored {
				return
			}
			continue
		}

		n, err := r.f.Read(buf)
		if n > 0 {
			if status, _ := r.ring.GetWriteBuffer(n); status == ring.Error {
				return
			}
			if err == io.EOF {
				continue
			}
		}
		if err == io.EOF {
			r.ring.Retire(0)
			return
		}
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.logger.Debug("reader worker error", "error", err)
			r.ring.SetError()
			return
		}
	}
}
