package offline

import (
	"sync"
	"testing"
	"time"
)

type expireRecorder struct {
	mu    sync.Mutex
	users []string
}

func (e *expireRecorder) record(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, userID)
}

func (e *expireRecorder) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.users...)
}

func (e *expireRecorder) waitFor(tb testing.TB, want int) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.snapshot()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %d expirations, have %v", want, e.snapshot())
}

func TestRecovery_CancelWithinWindow(t *testing.T) {
	rec := &expireRecorder{}
	r := NewRecovery(50*time.Millisecond, rec.record)

	r.Arm("alice")
	if !r.Pending("alice") {
		t.Fatal("window should be pending after Arm")
	}
	if !r.Cancel("alice") {
		t.Fatal("Cancel inside the window should report true")
	}
	if r.Pending("alice") {
		t.Error("window still pending after Cancel")
	}

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expire fired after cancel: %v", got)
	}

	// A user with no armed window cancels to false.
	if r.Cancel("alice") {
		t.Error("second Cancel should report false")
	}
}

func TestRecovery_Expiry(t *testing.T) {
	rec := &expireRecorder{}
	r := NewRecovery(30*time.Millisecond, rec.record)

	r.Arm("alice")
	rec.waitFor(t, 1)

	if got := rec.snapshot(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("expirations = %v", got)
	}
	if r.Pending("alice") {
		t.Error("window still pending after expiry")
	}
	if r.Cancel("alice") {
		t.Error("Cancel after expiry should report false")
	}
}

func TestRecovery_RearmRestartsWindow(t *testing.T) {
	rec := &expireRecorder{}
	r := NewRecovery(60*time.Millisecond, rec.record)

	r.Arm("alice")
	time.Sleep(35 * time.Millisecond)
	r.Arm("alice")
	time.Sleep(35 * time.Millisecond)
	// Original deadline has passed but the restarted window has not.
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expire fired before the restarted window lapsed: %v", got)
	}

	rec.waitFor(t, 1)
	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("expected exactly 1 expiration, got %v", got)
	}
}
