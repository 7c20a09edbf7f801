// Package offline buffers events for users with no active connection and
// tracks the per-user connection-state recovery window.
package offline

import (
	"sync"

	"palaver/internal/models"
)

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full,
// so the queue holds the most recent max events for a user.
type ring struct {
	buf       []models.ServerEvent
	lastIndex int
}

// Queue holds per-user ordered events that could not be delivered at
// broadcast time. Drained and cleared in FIFO order on the user's next
// successful registration.
type Queue struct {
	mu     sync.Mutex
	byUser map[string]*ring
	max    int
}

func NewQueue(max int) *Queue {
	return &Queue{
		byUser: make(map[string]*ring),
		max:    max,
	}
}

func (q *Queue) Enqueue(userID string, ev models.ServerEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.byUser[userID]
	if !ok {
		r = &ring{lastIndex: -1}
		q.byUser[userID] = r
	}

	if len(r.buf) < q.max {
		r.buf = append(r.buf, ev)
		r.lastIndex++
		return
	}
	r.lastIndex = (r.lastIndex + 1) % q.max
	r.buf[r.lastIndex] = ev
}

// Drain returns the queued events in FIFO order and clears the queue.
func (q *Queue) Drain(userID string) []models.ServerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.byUser[userID]
	if !ok {
		return nil
	}
	delete(q.byUser, userID)

	if len(r.buf) < q.max {
		return r.buf
	}

	// Buffer wrapped: oldest entry sits just past lastIndex.
	out := make([]models.ServerEvent, 0, len(r.buf))
	head := (r.lastIndex + 1) % q.max
	out = append(out, r.buf[head:]...)
	out = append(out, r.buf[:head]...)
	return out
}

func (q *Queue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byUser[userID]
	if !ok {
		return 0
	}
	return len(r.buf)
}
