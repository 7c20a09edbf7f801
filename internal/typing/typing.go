// Package typing maintains short-lived per-room typing sets. Entries expire
// on their own so a crashed client cannot leave a peer "typing" forever;
// from the room's perspective an expiry is indistinguishable from an
// explicit stop.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"palaver/internal/models"
)

type membership interface {
	MembersOf(roomID string) ([]string, error)
	IsMember(roomID, userID string) bool
}

type sender interface {
	SendToUser(userID string, ev models.ServerEvent) error
}

type entry struct {
	startedAt time.Time
	timer     *time.Timer
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]*entry // roomID -> userID
	ttl     time.Duration
	rooms   membership
	out     sender
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewTracker(rooms membership, out sender, ttl time.Duration, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		entries: make(map[string]map[string]*entry),
		ttl:     ttl,
		rooms:   rooms,
		out:     out,
		logger:  logger,
		now:     time.Now,
	}
}

// Start inserts or refreshes a typing entry and (re)arms its expiry timer.
// At most one live timer exists per (room, user) pair; refreshing resets it
// instead of stacking a second one.
func (t *Tracker) Start(roomID, userID string) error {
	if !t.rooms.IsMember(roomID, userID) {
		return models.ErrNotAMember
	}

	t.mu.Lock()
	byUser, ok := t.entries[roomID]
	if !ok {
		byUser = make(map[string]*entry)
		t.entries[roomID] = byUser
	}
	if existing, ok := byUser[userID]; ok {
		existing.timer.Stop()
	}
	e := &entry{startedAt: t.now()}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(roomID, userID, e) })
	byUser[userID] = e
	t.mu.Unlock()

	t.notifyOthers(roomID, userID, models.ServerTypingStart)
	return nil
}

// Stop removes the entry if present and broadcasts typing:stop. Stopping a
// non-existent entry is a no-op: no event is emitted.
func (t *Tracker) Stop(roomID, userID string) {
	t.mu.Lock()
	e, ok := t.entries[roomID][userID]
	if ok {
		e.timer.Stop() // safe even if the timer already fired
		t.remove(roomID, userID)
	}
	t.mu.Unlock()

	if ok {
		t.notifyOthers(roomID, userID, models.ServerTypingStop)
	}
}

// expire is the timer path. It re-checks that the firing entry is still the
// live one: an explicit stop or a refresh may have raced the timer.
func (t *Tracker) expire(roomID, userID string, fired *entry) {
	t.mu.Lock()
	current, ok := t.entries[roomID][userID]
	if !ok || current != fired {
		t.mu.Unlock()
		return
	}
	t.remove(roomID, userID)
	t.mu.Unlock()

	t.notifyOthers(roomID, userID, models.ServerTypingStop)
}

// DropUser cancels every live entry for a user without emitting events.
// Used when the recovery window lapses; any entry old enough to matter has
// already expired and notified the room.
func (t *Tracker) DropUser(userID string) {
	t.mu.Lock()
	for roomID, byUser := range t.entries {
		if e, ok := byUser[userID]; ok {
			e.timer.Stop()
			t.remove(roomID, userID)
		}
	}
	t.mu.Unlock()
}

// TypingIn returns the users currently typing in a room.
func (t *Tracker) TypingIn(roomID string) []models.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.TypingEntry
	for userID, e := range t.entries[roomID] {
		out = append(out, models.TypingEntry{RoomID: roomID, UserID: userID, StartedAt: e.startedAt})
	}
	return out
}

// remove must be called with the lock held.
func (t *Tracker) remove(roomID, userID string) {
	byUser := t.entries[roomID]
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(t.entries, roomID)
	}
}

func (t *Tracker) notifyOthers(roomID, userID string, evType models.ServerEventType) {
	members, err := t.rooms.MembersOf(roomID)
	if err != nil {
		return // room vanished mid-flight, nobody left to notify
	}
	ev := models.ServerEvent{
		Type:   evType,
		RoomID: roomID,
		UserID: userID,
		At:     t.now().UnixMilli(),
	}
	for _, member := range members {
		if member == userID {
			continue
		}
		_ = t.out.SendToUser(member, ev)
	}
}
