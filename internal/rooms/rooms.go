// Package rooms owns the room <-> members bidirectional index and room
// lifecycle. It is the only writer of room membership; the relay and the
// typing tracker only read it.
package rooms

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"palaver/internal/models"
)

type sender interface {
	SendToUser(userID string, ev models.ServerEvent) error
}

type Store interface {
	UpsertRoom(room models.Room) error
	DeleteRoom(roomID string) error
	ListRooms() ([]models.Room, error)
}

type room struct {
	meta    models.Room
	members mapset.Set[string]
}

type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	out    sender
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewManager(out sender, store Store, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		rooms:  make(map[string]*room),
		out:    out,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Provision loads persisted rooms and makes sure every configured default
// room exists. Default rooms are exempt from empty-room removal.
func (m *Manager) Provision(defaults []string) error {
	persisted, err := m.store.ListRooms()
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}

	defaultIDs := mapset.NewThreadUnsafeSet(defaults...)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range persisted {
		// Membership is not durable, so every persisted room comes back
		// empty. Non-default rooms follow the same removal rule as the last
		// member leaving instead of lingering memberless in the live index.
		if !r.Default && !defaultIDs.Contains(r.ID) {
			if err := m.store.DeleteRoom(r.ID); err != nil {
				m.logger.Errorw("failed to remove stale room", "room_id", r.ID, "error", err)
			}
			continue
		}
		m.rooms[r.ID] = &room{meta: r, members: mapset.NewThreadUnsafeSet[string]()}
	}

	for _, id := range defaults {
		if existing, ok := m.rooms[id]; ok {
			existing.meta.Default = true
			continue
		}
		meta := models.Room{
			ID:        id,
			Name:      id,
			CreatedAt: m.now().Unix(),
			Default:   true,
		}
		if err := m.store.UpsertRoom(meta); err != nil {
			return fmt.Errorf("failed to provision room %q: %w", id, err)
		}
		m.rooms[id] = &room{meta: meta, members: mapset.NewThreadUnsafeSet[string]()}
	}

	return nil
}

// Create makes a new room explicitly and joins the creator. The member
// event for the creator is skipped since there is nobody else to notify.
func (m *Manager) Create(name, createdBy string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, fmt.Errorf("%w: room name is empty", models.ErrInvalidContent)
	}

	meta := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: m.now().Unix(),
	}
	if err := m.store.UpsertRoom(meta); err != nil {
		return models.Room{}, fmt.Errorf("failed to persist room: %w", err)
	}

	m.mu.Lock()
	r := &room{meta: meta, members: mapset.NewThreadUnsafeSet[string]()}
	r.members.Add(createdBy)
	m.rooms[meta.ID] = r
	meta.Members = []string{createdBy}
	m.mu.Unlock()

	m.logger.Infow("room created", "room_id", meta.ID, "name", name, "created_by", createdBy)
	return meta, nil
}

// Join adds a user to a room and returns the resulting member list.
// Unknown ids fail with ErrRoomNotFound unless they match the direct-room
// pattern for the joining user, which creates the room on first reference.
// Joining twice is idempotent and emits no second member event.
func (m *Manager) Join(roomID, userID string) ([]string, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		if !isDirectFor(roomID, userID) {
			m.mu.Unlock()
			return nil, models.ErrRoomNotFound
		}
		meta := models.Room{
			ID:        roomID,
			Name:      roomID,
			CreatedBy: userID,
			CreatedAt: m.now().Unix(),
			Direct:    true,
		}
		if err := m.store.UpsertRoom(meta); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to persist room: %w", err)
		}
		r = &room{meta: meta, members: mapset.NewThreadUnsafeSet[string]()}
		m.rooms[roomID] = r
	}

	already := r.members.Contains(userID)
	r.members.Add(userID)
	members := sortedMembers(r)
	m.mu.Unlock()

	if !already {
		m.notifyOthers(members, userID, models.ServerEvent{
			Type:   models.ServerRoomUserJoined,
			RoomID: roomID,
			UserID: userID,
			At:     m.now().UnixMilli(),
		})
	}

	return members, nil
}

// Leave removes a user from a room. Leaving a room the user is not in is a
// no-op. An empty non-default room is deleted along with its history.
func (m *Manager) Leave(roomID, userID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return models.ErrRoomNotFound
	}

	was := r.members.Contains(userID)
	r.members.Remove(userID)
	members := sortedMembers(r)

	removed := false
	if r.members.Cardinality() == 0 && !r.meta.Default {
		delete(m.rooms, roomID)
		removed = true
	}
	m.mu.Unlock()

	if removed {
		if err := m.store.DeleteRoom(roomID); err != nil {
			m.logger.Errorw("failed to delete empty room", "room_id", roomID, "error", err)
		}
	}

	if was {
		m.notifyOthers(members, userID, models.ServerEvent{
			Type:   models.ServerRoomUserLeft,
			RoomID: roomID,
			UserID: userID,
			At:     m.now().UnixMilli(),
		})
	}

	return nil
}

// DropUser removes a user from every room they are in. Used when the
// connection-state recovery window lapses without a reconnect.
func (m *Manager) DropUser(userID string) {
	m.mu.RLock()
	var ids []string
	for id, r := range m.rooms {
		if r.members.Contains(userID) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Leave(id, userID); err != nil {
			m.logger.Errorw("failed to drop user from room", "room_id", id, "user_id", userID, "error", err)
		}
	}
}

func (m *Manager) MembersOf(roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return sortedMembers(r), nil
}

func (m *Manager) IsMember(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return ok && r.members.Contains(userID)
}

func (m *Manager) Exists(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// RoomsOf lists the rooms a user belongs to, member lists included.
func (m *Manager) RoomsOf(userID string) []models.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Room
	for _, r := range m.rooms {
		if r.members.Contains(userID) {
			meta := r.meta
			meta.Members = sortedMembers(r)
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) notifyOthers(members []string, actingUser string, ev models.ServerEvent) {
	for _, member := range members {
		if member == actingUser {
			continue
		}
		// Member events are live signals only; offline members resync from
		// the welcome snapshot instead of a queue.
		_ = m.out.SendToUser(member, ev)
	}
}

func sortedMembers(r *room) []string {
	members := r.members.ToSlice()
	sort.Strings(members)
	return members
}

// DirectRoomID returns the deterministic id shared by a pair of users.
func DirectRoomID(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return fmt.Sprintf("dm_%s_%s", u1, u2)
}

// isDirectFor reports whether roomID is the direct-room id for a pair that
// includes userID. Only participants may summon a direct room into being.
func isDirectFor(roomID, userID string) bool {
	rest, ok := strings.CutPrefix(roomID, "dm_")
	if !ok {
		return false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] >= parts[1] {
		return false
	}
	return parts[0] == userID || parts[1] == userID
}
