// Package coordinator dispatches inbound connection events to the managers
// and owns the wiring between them: presence flips and queue drains on
// connection edges, recovery windows on disconnect, history backfill on
// join.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"palaver/internal/models"
	"palaver/internal/offline"
	"palaver/internal/presence"
	"palaver/internal/registry"
	"palaver/internal/relay"
	"palaver/internal/rooms"
	"palaver/internal/typing"
)

const historyLimit = 50

type verifier interface {
	Verify(token string) (models.Identity, error)
}

type historyStore interface {
	RoomHistory(roomID string, beforeSeq int64, limit int) ([]models.Message, error)
}

type Coordinator struct {
	registry *registry.Registry
	rooms    *rooms.Manager
	presence *presence.Tracker
	typing   *typing.Tracker
	relay    *relay.Relay
	queue    *offline.Queue
	recovery *offline.Recovery
	verifier verifier
	history  historyStore
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu    sync.RWMutex
	roles map[string]models.Role
}

type Deps struct {
	Registry *registry.Registry
	Rooms    *rooms.Manager
	Presence *presence.Tracker
	Typing   *typing.Tracker
	Relay    *relay.Relay
	Queue    *offline.Queue
	Verifier verifier
	History  historyStore
	Logger   *zap.SugaredLogger
}

func New(deps Deps, recoveryWindow time.Duration) *Coordinator {
	c := &Coordinator{
		registry: deps.Registry,
		rooms:    deps.Rooms,
		presence: deps.Presence,
		typing:   deps.Typing,
		relay:    deps.Relay,
		queue:    deps.Queue,
		verifier: deps.Verifier,
		history:  deps.History,
		logger:   deps.Logger,
		now:      time.Now,
		roles:    make(map[string]models.Role),
	}

	c.recovery = offline.NewRecovery(recoveryWindow, c.expireSession)

	deps.Registry.SetHooks(registry.Hooks{
		FirstConnection: c.firstConnection,
		LastConnection:  c.lastConnection,
	})

	return c
}

// Privileged reports whether a user's last seen role grants them moderation
// visibility. Handed to the relay for annotation fan-out.
func (c *Coordinator) Privileged(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles[userID] == models.RoleAdmin
}

// Authenticate handles the mandatory first event on a fresh connection.
// On success the connection is registered, a welcome snapshot goes out, and
// any queued events are replayed to the new socket as one batch.
func (c *Coordinator) Authenticate(connID string, ev models.ClientEvent) (models.Identity, <-chan models.ServerEvent, error) {
	identity, err := c.verifier.Verify(ev.Token)
	if err != nil {
		return models.Identity{}, nil, models.ErrAuthenticationRequired
	}

	c.mu.Lock()
	c.roles[identity.UserID] = identity.Role
	c.mu.Unlock()

	ch, err := c.registry.Register(connID, identity.UserID, models.DeviceMeta{DeviceID: ev.DeviceID})
	if err != nil {
		return models.Identity{}, nil, err
	}

	_ = c.registry.SendTo(connID, models.ServerEvent{
		Type:   models.ServerWelcome,
		Self:   &identity,
		Rooms:  c.rooms.RoomsOf(identity.UserID),
		Roster: c.presence.Snapshot(),
		At:     c.now().UnixMilli(),
	})

	if queued := c.queue.Drain(identity.UserID); len(queued) > 0 {
		_ = c.registry.SendTo(connID, models.ServerEvent{
			Type:   models.ServerMessagesQueued,
			Queued: queued,
			At:     c.now().UnixMilli(),
		})
	}

	return identity, ch, nil
}

// Dispatch routes one post-authentication event. Rejections are reported
// point-to-point to the originating connection only, never broadcast.
func (c *Coordinator) Dispatch(ctx context.Context, connID string, identity models.Identity, ev models.ClientEvent) {
	var err error
	switch ev.Type {
	case models.ClientRoomJoin:
		err = c.joinRoom(connID, identity.UserID, ev.RoomID)
	case models.ClientRoomLeave:
		err = c.rooms.Leave(ev.RoomID, identity.UserID)
	case models.ClientRoomCreate:
		err = c.createRoom(connID, identity.UserID, ev.RoomName)
	case models.ClientMessageSend:
		_, err = c.relay.Send(ctx, ev.RoomID, identity.UserID, connID, relay.SendInput{
			Body:    ev.Body,
			Kind:    ev.Kind,
			File:    ev.File,
			ReplyTo: ev.ReplyTo,
		})
	case models.ClientMessageEdit:
		_, err = c.relay.Edit(ctx, ev.MessageID, identity.UserID, ev.Body)
	case models.ClientMessageDelete:
		err = c.relay.Delete(ev.MessageID, identity.UserID)
	case models.ClientMessageReact:
		_, err = c.relay.React(ev.MessageID, identity.UserID, ev.Reaction)
	case models.ClientTypingStart:
		err = c.typing.Start(ev.RoomID, identity.UserID)
	case models.ClientTypingStop:
		c.typing.Stop(ev.RoomID, identity.UserID)
	case models.ClientStatusUpdate:
		err = c.updateStatus(identity.UserID, ev)
	default:
		c.logger.Warnw("unknown client event", "type", ev.Type, "conn_id", connID)
		return
	}

	if err != nil {
		_ = c.registry.SendTo(connID, models.ErrorEvent(ev.Type, err, c.now().UnixMilli()))
	}
}

// Disconnect is the transport-level close path. Not an error: it runs the
// standard presence-offline and recovery arming via the registry hooks.
func (c *Coordinator) Disconnect(connID string) {
	c.registry.Unregister(connID)
}

func (c *Coordinator) joinRoom(connID, userID, roomID string) error {
	members, err := c.rooms.Join(roomID, userID)
	if err != nil {
		return err
	}

	// Backfill goes point-to-point to the joining connection, not to the
	// room.
	messages, err := c.history.RoomHistory(roomID, 0, historyLimit)
	if err != nil {
		c.logger.Errorw("history backfill failed", "room_id", roomID, "error", err)
		messages = nil
	}

	return c.registry.SendTo(connID, models.ServerEvent{
		Type:     models.ServerRoomHistory,
		RoomID:   roomID,
		Members:  members,
		Messages: messages,
		At:       c.now().UnixMilli(),
	})
}

func (c *Coordinator) createRoom(connID, userID, name string) error {
	room, err := c.rooms.Create(name, userID)
	if err != nil {
		return err
	}
	return c.registry.SendTo(connID, models.ServerEvent{
		Type:    models.ServerRoomHistory,
		RoomID:  room.ID,
		Members: room.Members,
		Rooms:   []models.Room{room},
		At:      c.now().UnixMilli(),
	})
}

func (c *Coordinator) updateStatus(userID string, ev models.ClientEvent) error {
	if !ev.Status.Valid() {
		return models.ErrInvalidContent
	}
	at := c.now()
	if ev.At > 0 {
		at = time.UnixMilli(ev.At)
	}
	c.presence.SetStatus(userID, ev.Status, at)
	return nil
}

// firstConnection runs when a user goes from zero to one connections:
// presence flips online and a pending recovery window, if any, is consumed
// so the logical session continues.
func (c *Coordinator) firstConnection(userID, connID string, meta models.DeviceMeta, at time.Time) {
	resumed := c.recovery.Cancel(userID)
	c.presence.MarkOnline(userID, at)
	if resumed {
		c.logger.Infow("session resumed within recovery window",
			"user_id", userID, "conn_id", connID, "device_id", meta.DeviceID)
	}
}

// lastConnection runs when a user's last connection goes away: presence
// flips offline exactly once and the recovery window is armed.
func (c *Coordinator) lastConnection(userID string, _ models.DeviceMeta, at time.Time) {
	c.presence.MarkOffline(userID, at)
	c.recovery.Arm(userID)
}

// expireSession runs when the recovery window lapses with no reconnect.
// Memberships lapse with it: the user must re-issue room joins, and stale
// typing entries are treated as already expired.
func (c *Coordinator) expireSession(userID string) {
	c.logger.Infow("recovery window expired", "user_id", userID)
	c.typing.DropUser(userID)
	c.rooms.DropUser(userID)
}
