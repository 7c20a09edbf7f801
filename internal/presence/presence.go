// Package presence tracks per-user status with last-write-wins ordering
// across devices and broadcasts deltas system-wide.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"palaver/internal/models"
)

const historyLimit = 32

type broadcaster interface {
	Broadcast(ev models.ServerEvent)
}

type change struct {
	status models.Status
	at     time.Time
}

type record struct {
	status     models.Status
	lastSeen   time.Time
	lastUpdate time.Time
	history    []change
}

type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record
	out     broadcaster
	logger  *zap.SugaredLogger
}

func NewTracker(out broadcaster, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		records: make(map[string]*record),
		out:     out,
		logger:  logger,
	}
}

// SetStatus applies a client status update with last-write-wins ordering:
// an update stamped earlier than the latest applied one is kept in the
// record's history but does not change the visible status. The returned
// value is the currently effective status, which is not necessarily the
// submitted one. Every accepted update fires a presence delta either way.
func (t *Tracker) SetStatus(userID string, status models.Status, at time.Time) models.Status {
	t.mu.Lock()
	rec := t.ensure(userID)
	rec.history = appendChange(rec.history, change{status: status, at: at})

	// Equal timestamps resolve to the last applied call.
	if !at.Before(rec.lastUpdate) {
		rec.status = status
		rec.lastSeen = at
		rec.lastUpdate = at
	}
	effective := rec.status
	p := t.visible(userID, rec)
	t.mu.Unlock()

	t.broadcast(p)
	return effective
}

// MarkOnline is invoked by the coordinator when a user's first connection
// registers. It always takes effect regardless of older device updates.
func (t *Tracker) MarkOnline(userID string, at time.Time) {
	t.force(userID, models.StatusOnline, at)
}

// MarkOffline is invoked when the last connection for a user goes away.
// last-seen is pinned to the unregister time.
func (t *Tracker) MarkOffline(userID string, at time.Time) {
	t.force(userID, models.StatusOffline, at)
}

func (t *Tracker) force(userID string, status models.Status, at time.Time) {
	t.mu.Lock()
	rec := t.ensure(userID)
	rec.history = appendChange(rec.history, change{status: status, at: at})
	rec.status = status
	rec.lastSeen = at
	rec.lastUpdate = at
	p := t.visible(userID, rec)
	t.mu.Unlock()

	t.broadcast(p)
}

func (t *Tracker) Get(userID string) (models.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	if !ok {
		return models.Presence{}, false
	}
	return t.visible(userID, rec), true
}

// Snapshot returns the visible presence of every known user, for the
// welcome roster.
func (t *Tracker) Snapshot() []models.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Presence, 0, len(t.records))
	for userID, rec := range t.records {
		out = append(out, t.visible(userID, rec))
	}
	return out
}

func (t *Tracker) ensure(userID string) *record {
	rec, ok := t.records[userID]
	if !ok {
		rec = &record{status: models.StatusOffline}
		t.records[userID] = rec
	}
	return rec
}

func (t *Tracker) visible(userID string, rec *record) models.Presence {
	return models.Presence{
		UserID:   userID,
		Status:   rec.status,
		LastSeen: rec.lastSeen.Unix(),
	}
}

func (t *Tracker) broadcast(p models.Presence) {
	t.out.Broadcast(models.ServerEvent{
		Type:     models.ServerPresenceUpdate,
		UserID:   p.UserID,
		Presence: &p,
		At:       time.Now().UnixMilli(),
	})
}

func appendChange(history []change, c change) []change {
	history = append(history, c)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}
