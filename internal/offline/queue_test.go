package offline

import (
	"strconv"
	"testing"

	"palaver/internal/models"
)

func queuedMessage(body string) models.ServerEvent {
	return models.ServerEvent{
		Type:    models.ServerMessageNew,
		Message: &models.Message{Body: body},
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10)

	for i := 0; i < 3; i++ {
		q.Enqueue("alice", queuedMessage(strconv.Itoa(i)))
	}
	if got := q.Len("alice"); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	drained := q.Drain("alice")
	if len(drained) != 3 {
		t.Fatalf("drained %d events, want 3", len(drained))
	}
	for i, ev := range drained {
		if ev.Message.Body != strconv.Itoa(i) {
			t.Errorf("event %d out of order: body %q", i, ev.Message.Body)
		}
	}

	// Drain clears: a second drain returns nothing.
	if got := q.Drain("alice"); len(got) != 0 {
		t.Errorf("second drain returned %d events", len(got))
	}
	if got := q.Len("alice"); got != 0 {
		t.Errorf("Len after drain = %d", got)
	}
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	q := NewQueue(3)

	for i := 0; i < 5; i++ {
		q.Enqueue("alice", queuedMessage(strconv.Itoa(i)))
	}
	if got := q.Len("alice"); got != 3 {
		t.Fatalf("Len = %d, want cap 3", got)
	}

	drained := q.Drain("alice")
	want := []string{"2", "3", "4"}
	if len(drained) != len(want) {
		t.Fatalf("drained %d events, want %d", len(drained), len(want))
	}
	for i, ev := range drained {
		if ev.Message.Body != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.Message.Body, want[i])
		}
	}
}

func TestQueue_WrapTwice(t *testing.T) {
	q := NewQueue(4)

	for i := 0; i < 11; i++ {
		q.Enqueue("alice", queuedMessage(strconv.Itoa(i)))
	}
	drained := q.Drain("alice")
	want := []string{"7", "8", "9", "10"}
	for i, ev := range drained {
		if ev.Message.Body != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.Message.Body, want[i])
		}
	}
}

func TestQueue_PerUserIsolation(t *testing.T) {
	q := NewQueue(10)

	q.Enqueue("alice", queuedMessage("for alice"))
	q.Enqueue("bob", queuedMessage("for bob"))

	if got := q.Drain("alice"); len(got) != 1 || got[0].Message.Body != "for alice" {
		t.Errorf("alice drained %v", got)
	}
	if got := q.Len("bob"); got != 1 {
		t.Errorf("bob's queue disturbed: Len = %d", got)
	}
}

func TestQueue_DrainUnknownUser(t *testing.T) {
	q := NewQueue(10)
	if got := q.Drain("nobody"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
