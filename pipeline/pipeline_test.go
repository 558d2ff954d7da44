package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nolanwright/xferengine/ring"
)

func TestFileWriter_CreatesIntermediateDirsAndWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "c", "out.bin")

	var created []string
	w, err := OpenFileWriter(target, 0, 4, 16, false, func(p string) {
		created = append(created, p)
	}, nil)
	if err != nil {
		t.Fatalf("OpenFileWriter() error = %v", err)
	}

	want := []byte("hello world")
	status, buf := w.GetWriteBuffer(0)
	if status != ring.OK {
		t.Fatalf("GetWriteBuffer() = %v", status)
	}
	n := copy(buf, want)
	if status := w.Retire(n); status == ring.Error {
		t.Fatalf("Retire() returned Error")
	}

	status = w.Finalize(0)
	for deadline := time.Now().Add(2 * time.Second); status == ring.Wait && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
		status = w.Finalize(0)
	}
	if status == ring.Error {
		t.Fatalf("Finalize() returned Error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("file content = %q, want %q", got, want)
	}
	if len(created) != 3 {
		t.Errorf("local_dir_created fired %d times, want 3 (a, a/b, a/b/c); got %v", len(created), created)
	}
}

func TestFileWriter_CloseUnblocksIdleWorker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	w, err := OpenFileWriter(target, 0, 4, 8, false, nil, nil)
	if err != nil {
		t.Fatalf("OpenFileWriter() error = %v", err)
	}

	// Give the worker goroutine a chance to park in Ring.NextReady with
	// nothing committed — the idle state Close must be able to wake it
	// from without a Finalize ever having run.
	done := make(chan error, 1)
	go func() { done <- w.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() deadlocked waiting on idle worker")
	}
}

func TestFileReader_CloseUnblocksWorkerBlockedOnFullRing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	// Large enough that with n=2 buffers of 8 bytes, the reader worker
	// fills the ring and parks in WaitForSpace before Close is called.
	content := make([]byte, 4096)
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFileReader(src, 0, 2, 8, nil)
	if err != nil {
		t.Fatalf("OpenFileReader() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() deadlocked waiting on worker blocked in WaitForSpace")
	}
}

func TestFileReader_ReadsToEOF(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFileReader(src, 0, 4, 16, nil)
	if err != nil {
		t.Fatalf("OpenFileReader() error = %v", err)
	}
	defer r.Close()

	var got []byte
	for {
		buf, ok := r.BlockingRead()
		if !ok {
			break
		}
		if len(buf) == 0 {
			break
		}
		got = append(got, buf...)
	}

	if string(got) != string(content) {
		t.Errorf("read %d bytes, want %d bytes matching source", len(got), len(content))
	}
}

func TestMemoryWriter_EnforcesSizeLimit(t *testing.T) {
	t.Parallel()

	var dst []byte
	w := NewMemoryWriter(&dst, 4, 8, 4)

	status, buf := w.GetWriteBuffer(0)
	if status != ring.OK {
		t.Fatalf("GetWriteBuffer() = %v", status)
	}
	n := copy(buf, []byte("way too long"))

	if status := w.Retire(n); status != ring.Error {
		t.Errorf("Retire() = %v, want Error once size limit exceeded", status)
	}
	if w.Err() == nil {
		t.Error("Err() = nil, want ErrSizeLimitExceeded")
	}
}

func TestMemoryWriter_ClearsOnNonFinalizedClose(t *testing.T) {
	t.Parallel()

	var dst []byte
	w := NewMemoryWriter(&dst, 4, 8, 0)

	status, buf := w.GetWriteBuffer(0)
	if status != ring.OK {
		t.Fatalf("GetWriteBuffer() = %v", status)
	}
	n := copy(buf, []byte("partial"))
	w.Retire(n)

	if len(dst) == 0 {
		t.Fatal("expected data to be present before Close")
	}

	w.Close() // never finalized
	if len(dst) != 0 {
		t.Errorf("dst = %q after non-finalized Close, want empty", dst)
	}
}
