package ring

import (
	"sync"
	"testing"
	"time"
)

func TestRing_ConservationAcrossFinalize(t *testing.T) {
	t.Parallel()

	r := New(4, 8)
	var produced, consumed int

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			buf, ok := r.NextReady()
			if !ok {
				return
			}
			consumed += len(buf)
			if r.Finalized() && r.ReadyCount() == 0 {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		status, buf := r.GetWriteBuffer(0)
		for status == Wait {
			r.WaitForSpace()
			status, buf = r.GetWriteBuffer(0)
		}
		if status != OK {
			t.Fatalf("GetWriteBuffer() = %v, want OK", status)
		}
		n := copy(buf, []byte("data"))
		produced += n
		if status, _ := r.GetWriteBuffer(n); status == Error {
			t.Fatalf("unexpected error committing buffer %d", i)
		}
		// the extra buffer handed back by this commit-and-fetch is released
		// by the next iteration's GetWriteBuffer(0)
	}

	status := r.Finalize(0, nil)
	for deadline := time.Now().Add(time.Second); status == Wait && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
		status = r.Finalize(0, nil)
	}
	if status != OK {
		t.Fatalf("Finalize() = %v, want OK", status)
	}
	// The consumer may already be parked for a slot that never comes.
	r.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not observe finalize")
	}

	if produced != consumed {
		t.Errorf("produced=%d consumed=%d, want equal", produced, consumed)
	}
}

func TestRing_BackpressureAtCapacity(t *testing.T) {
	t.Parallel()

	r := New(3, 4)
	var readyFired int
	var mu sync.Mutex
	r.OnReady(func() {
		mu.Lock()
		readyFired++
		mu.Unlock()
	})

	// Fill all 3 slots.
	for i := 0; i < 3; i++ {
		status, _ := r.GetWriteBuffer(0)
		if status != OK {
			t.Fatalf("slot %d: GetWriteBuffer() = %v, want OK", i, status)
		}
		if status := r.Retire(4); status != OK && status != Wait {
			t.Fatalf("slot %d: Retire() = %v", i, status)
		}
	}

	if got := r.ReadyCount(); got != 3 {
		t.Fatalf("ReadyCount() = %d, want 3", got)
	}

	// The (N+1)-th request must Wait.
	status, _ := r.GetWriteBuffer(0)
	if status != Wait {
		t.Fatalf("GetWriteBuffer() at capacity = %v, want Wait", status)
	}

	// Draining one slot must fire onReady exactly once.
	if _, ok := r.NextReady(); !ok {
		t.Fatal("NextReady() failed")
	}

	mu.Lock()
	got := readyFired
	mu.Unlock()
	if got != 1 {
		t.Errorf("onReady fired %d times, want 1", got)
	}
}

func TestRing_ErrorIsSticky(t *testing.T) {
	t.Parallel()

	r := New(2, 4)
	r.SetError()

	if status, _ := r.GetWriteBuffer(0); status != Error {
		t.Errorf("GetWriteBuffer() after error = %v, want Error", status)
	}
	if status := r.Retire(0); status != Error {
		t.Errorf("Retire() after error = %v, want Error", status)
	}
	if status := r.Finalize(0, nil); status != Error {
		t.Errorf("Finalize() after error = %v, want Error", status)
	}
	if _, ok := r.NextReady(); ok {
		t.Error("NextReady() after error should report !ok")
	}
}

func TestRing_CloseWakesParkedConsumer(t *testing.T) {
	t.Parallel()

	r := New(2, 4)

	done := make(chan bool, 1)
	go func() {
		_, ok := r.NextReady()
		done <- ok
	}()

	// Give the goroutine time to actually park in cond.Wait() before
	// closing; the assertion below only cares that Close eventually
	// wakes it, so this is a best-effort nudge, not a requirement.
	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("NextReady() after Close = ok true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("NextReady() did not wake on Close, worker would deadlock")
	}
}

func TestRing_CloseWakesParkedProducer(t *testing.T) {
	t.Parallel()

	r := New(2, 4)
	for i := 0; i < 2; i++ {
		r.GetWriteBuffer(0)
		r.Retire(4)
	}

	done := make(chan bool, 1)
	go func() {
		errored := r.WaitForSpace()
		done <- errored
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSpace() did not wake on Close, worker would deadlock")
	}
}

func TestRing_ReadyCountNeverExceedsN(t *testing.T) {
	t.Parallel()

	r := New(2, 4)
	for i := 0; i < 5; i++ {
		r.GetWriteBuffer(0)
		r.Retire(4)
		if got := r.ReadyCount(); got > r.Count() {
			t.Fatalf("ReadyCount() = %d exceeds N=%d", got, r.Count())
		}
	}
}
