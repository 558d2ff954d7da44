// Package pipeline implements the asynchronous reader and writer built on
// top of package ring: one background worker per instance, backpressure
// signaled through wait/ready events rather than blocking the control
// thread.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nolanwright/xferengine/ring"
)

// DirCreatedFunc is invoked once per intermediate directory actually
// created while opening a writer's target path (the local_dir_created
// notification).
type DirCreatedFunc func(path string)

// ReadyFunc is the writer/reader "ready" event delivered to the owning
// control socket when a stalled producer or consumer can proceed again.
type ReadyFunc func()

// FileWriter opens a local path (creating intermediate directories),
// optionally seeks/truncates to an offset, and drains a ring buffer into
// it on a dedicated worker goroutine.
type FileWriter struct {
	ring   *ring.Ring
	f      *os.File
	fsync  bool
	logger *slog.Logger

	mu      sync.Mutex
	quit    bool
	quitCh  chan struct{}
	wg      sync.WaitGroup
	onReady ReadyFunc
	err     error
}

// OpenFileWriter creates (or truncates/seeks into) the file at path and
// starts its worker goroutine. onDirCreated fires once per directory
// component that had to be created.
func OpenFileWriter(path string, offset int64, n, bufSize int, fsync bool, onDirCreated DirCreatedFunc, logger *slog.Logger) (*FileWriter, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	if err := ensureDir(filepath.Dir(path), onDirCreated); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
		}
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate at offset %d: %w", offset, err)
		}
	}

	w := &FileWriter{
		ring:   ring.New(n, bufSize),
		f:      f,
		fsync:  fsync,
		logger: logger,
		quitCh: make(chan struct{}),
	}
	w.ring.OnReady(func() {
		w.mu.Lock()
		cb := w.onReady
		w.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	w.wg.Add(1)
	go w.workerLoop()

	return w, nil
}

// ensureDir creates dir and every missing ancestor, firing onDirCreated
// once per directory that did not already exist — mirroring FileZilla's
// writer, which notifies the UI for each directory it had to make rather
// than doing a single recursive MkdirAll silently.
func ensureDir(dir string, onDirCreated DirCreatedFunc) error {
	if dir == "" || dir == "." {
		return nil
	}
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := ensureDir(filepath.Dir(dir), onDirCreated); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if onDirCreated != nil {
		onDirCreated(dir)
	}
	return nil
}

// OnReady registers the callback fired when a producer previously told
// to Wait can proceed again.
func (w *FileWriter) OnReady(f ReadyFunc) {
	w.mu.Lock()
	w.onReady = f
	w.mu.Unlock()
}

// GetWriteBuffer is the producer half of the contract: see ring.Ring.GetWriteBuffer.
func (w *FileWriter) GetWriteBuffer(nBytesInLast int) (ring.Result, []byte) {
	return w.ring.GetWriteBuffer(nBytesInLast)
}

// Write is the synchronous convenience variant.
func (w *FileWriter) Write(data []byte) (ring.Result, int) {
	return w.ring.Write(data)
}

// Retire commits a filled buffer without requesting a replacement.
func (w *FileWriter) Retire(nBytesInLast int) ring.Result {
	return w.ring.Retire(nBytesInLast)
}

// Finalize signals end-of-stream: once the ring drains, it optionally
// fsyncs and marks the writer complete.
func (w *FileWriter) Finalize(nBytesInLast int) ring.Result {
	return w.ring.Finalize(nBytesInLast, func() error {
		if w.fsync {
			return w.f.Sync()
		}
		return nil
	})
}

// Err returns the first error observed by the worker goroutine, if any.
func (w *FileWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the worker, joins it, and closes the underlying file; later
// calls return nil. Committed slots the worker has not written yet are
// discarded. Once Close returns the worker has exited, so no further
// OnReady callback fires for this writer.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		return nil
	}
	w.quit = true
	w.mu.Unlock()

	close(w.quitCh)
	w.ring.Close()
	w.wg.Wait()

	return w.f.Close()
}

// workerLoop is the single background worker: drain slot ready_pos fully,
// advance, on short write retry the remainder, on any error set the ring
// sticky-error and stop.
func (w *FileWriter) workerLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.quitCh:
			return
		default:
		}

		buf, ok := w.ring.NextReady()
		if !ok {
			return
		}
		if len(buf) == 0 {
			continue
		}

		if err := w.writeAll(buf); err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.logger.Debug("writer worker error", "error", err)
			w.ring.SetError()
			return
		}
	}
}

func (w *FileWriter) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := w.f.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if errors.Is(err, io.ErrShortWrite) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
