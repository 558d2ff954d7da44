package oplock

import "testing"

func TestArbiter_SecondOwnerWaitsThenWakes(t *testing.T) {
	t.Parallel()

	a := New()

	if ok := a.TryLock("a", "srv", "/dir", "list", nil); !ok {
		t.Fatal("first TryLock should grant immediately")
	}

	woke := make(chan struct{}, 1)
	if ok := a.TryLock("b", "srv", "/dir", "list", func() { woke <- struct{}{} }); ok {
		t.Fatal("second TryLock on same tuple should not grant while first holds it")
	}
	if !a.IsLocked("b", "srv", "/dir", "list") {
		t.Error("IsLocked() from b's perspective should see a's earlier hold")
	}

	a.Unlock("a")

	select {
	case <-woke:
	default:
		t.Fatal("expected Unlock to wake the waiting owner")
	}

	reason, ok := a.ObtainLockFromEvent("b")
	if !ok || reason != "list" {
		t.Fatalf("ObtainLockFromEvent() = (%q, %v), want (\"list\", true)", reason, ok)
	}
	if held, count := a.Holds("b"); !held || count != 1 {
		t.Fatalf("Holds(b) = (%v, %d), want (true, 1)", held, count)
	}
}

func TestArbiter_RecursiveAcquireCounts(t *testing.T) {
	t.Parallel()

	a := New()
	if !a.TryLock("a", "srv", "/dir", "list", nil) {
		t.Fatal("first TryLock should grant")
	}
	if !a.TryLock("a", "srv", "/dir", "list", nil) {
		t.Fatal("recursive TryLock by the same owner should grant")
	}
	if _, count := a.Holds("a"); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	a.Unlock("a")
	if held, count := a.Holds("a"); !held || count != 1 {
		t.Fatalf("after one Unlock: (%v, %d), want (true, 1)", held, count)
	}
	a.Unlock("a")
	if held, _ := a.Holds("a"); held {
		t.Fatal("after second Unlock the lock should be fully released")
	}
}

func TestArbiter_DistinctTuplesDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	a := New()
	if !a.TryLock("a", "srv", "/dir1", "list", nil) {
		t.Fatal("expected grant on /dir1")
	}
	if !a.TryLock("b", "srv", "/dir2", "list", nil) {
		t.Fatal("distinct directory should not be blocked by /dir1's holder")
	}
}

func TestArbiter_ForgetDropsWaitingRecord(t *testing.T) {
	t.Parallel()

	a := New()
	a.TryLock("a", "srv", "/dir", "list", nil)
	a.TryLock("b", "srv", "/dir", "list", func() {})
	a.Forget("b")

	if a.IsLocked("c", "srv", "/dir", "list") {
		// still true because "a" holds it; Forget only removed b's record.
	}
	if _, ok := a.ObtainLockFromEvent("b"); ok {
		t.Fatal("forgotten owner should have no record left to promote")
	}
}
