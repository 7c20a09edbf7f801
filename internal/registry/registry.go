// Package registry owns the live connection index: which sockets exist,
// which user each belongs to, and the outbound channel used for all
// coordinator -> connection fan-out. It is the only writer of the
// active-connection side of presence.
package registry

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"palaver/internal/models"
)

const sendBuffer = 128

// Hooks let the coordinator react to connection lifecycle edges without the
// registry knowing about presence or queues. Called outside the registry
// lock; safe to send from.
type Hooks struct {
	// FirstConnection fires when a user goes from zero to one connections.
	FirstConnection func(userID, connID string, meta models.DeviceMeta, at time.Time)
	// LastConnection fires when a user's last connection goes away.
	LastConnection func(userID string, meta models.DeviceMeta, at time.Time)
}

type connection struct {
	id          string
	userID      string
	meta        models.DeviceMeta
	connectedAt time.Time

	// sendMu orders pushes against the close in Unregister; ch is only
	// closed with closed already set, so push never hits a closed channel.
	sendMu sync.Mutex
	closed bool
	ch     chan models.ServerEvent
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]mapset.Set[string]
	hooks  Hooks
	logger *zap.SugaredLogger
	now    func() time.Time
}

func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		byUser: make(map[string]mapset.Set[string]),
		logger: logger,
		now:    time.Now,
	}
}

// SetHooks must be called before the first Register.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

// Register binds a fresh transport session to a verified user and returns
// the channel the connection's writer pump drains. A connection id must be
// fresh per transport session; reuse fails with ErrDuplicateConnection.
func (r *Registry) Register(connID, userID string, meta models.DeviceMeta) (<-chan models.ServerEvent, error) {
	r.mu.Lock()
	if _, ok := r.conns[connID]; ok {
		r.mu.Unlock()
		return nil, models.ErrDuplicateConnection
	}

	c := &connection{
		id:          connID,
		userID:      userID,
		meta:        meta,
		connectedAt: r.now(),
		ch:          make(chan models.ServerEvent, sendBuffer),
	}
	r.conns[connID] = c

	set, ok := r.byUser[userID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		r.byUser[userID] = set
	}
	first := set.Cardinality() == 0
	set.Add(connID)
	r.mu.Unlock()

	r.logger.Infow("connection registered",
		"conn_id", connID, "user_id", userID, "device_id", meta.DeviceID, "first", first)

	if first && r.hooks.FirstConnection != nil {
		r.hooks.FirstConnection(userID, connID, meta, c.connectedAt)
	}

	return c.ch, nil
}

// Unregister drops a connection and closes its outbound channel. Idempotent:
// an unknown id is a no-op and returns "".
func (r *Registry) Unregister(connID string) string {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	delete(r.conns, connID)

	last := false
	if set, ok := r.byUser[c.userID]; ok {
		set.Remove(connID)
		if set.Cardinality() == 0 {
			delete(r.byUser, c.userID)
			last = true
		}
	}
	r.mu.Unlock()

	c.sendMu.Lock()
	c.closed = true
	close(c.ch)
	c.sendMu.Unlock()
	at := r.now()

	r.logger.Infow("connection unregistered",
		"conn_id", connID, "user_id", c.userID, "last", last)

	if last && r.hooks.LastConnection != nil {
		r.hooks.LastConnection(c.userID, c.meta, at)
	}

	return c.userID
}

// ConnectionsFor returns the active connection ids for a user.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[userID]
	return ok && set.Cardinality() > 0
}

// UserOf resolves the owner of a connection id.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// SendTo delivers an event to one connection. The send never blocks: a
// full channel drops the event rather than stalling the dispatcher behind
// a reader that stopped draining.
func (r *Registry) SendTo(connID string, ev models.ServerEvent) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return models.ErrNoActiveConnections
	}
	r.push(c, ev)
	return nil
}

// SendToUser fans an event out to every active connection of a user.
// ErrNoActiveConnections signals the caller to queue instead; it is a
// routing outcome, not a failure.
func (r *Registry) SendToUser(userID string, ev models.ServerEvent) error {
	r.mu.RLock()
	set, ok := r.byUser[userID]
	if !ok || set.Cardinality() == 0 {
		r.mu.RUnlock()
		return models.ErrNoActiveConnections
	}
	conns := make([]*connection, 0, set.Cardinality())
	set.Each(func(connID string) bool {
		if c, ok := r.conns[connID]; ok {
			conns = append(conns, c)
		}
		return false
	})
	r.mu.RUnlock()

	for _, c := range conns {
		r.push(c, ev)
	}
	return nil
}

// Broadcast sends an event to every active connection system-wide.
func (r *Registry) Broadcast(ev models.ServerEvent) {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.push(c, ev)
	}
}

func (r *Registry) push(c *connection, ev models.ServerEvent) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		r.logger.Warnw("outbound channel full, dropping event",
			"conn_id", c.id, "user_id", c.userID, "event", ev.Type)
	}
}
