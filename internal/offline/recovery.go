package offline

import (
	"sync"
	"time"
)

// Recovery arms one timer per disconnected user. A reconnect inside the
// window cancels it and the logical session continues (memberships and
// typing state untouched); expiry hands the user to the onExpire callback.
type Recovery struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	window   time.Duration
	onExpire func(userID string)
}

func NewRecovery(window time.Duration, onExpire func(userID string)) *Recovery {
	return &Recovery{
		timers:   make(map[string]*time.Timer),
		window:   window,
		onExpire: onExpire,
	}
}

// Arm starts (or restarts) the recovery window for a user. Called when the
// user's last connection goes away.
func (r *Recovery) Arm(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.window, func() { r.fire(userID, timer) })
	r.timers[userID] = timer
}

// Cancel stops a pending window. Returns true if one was pending, meaning
// the reconnect landed inside the window. Idempotent against a timer that
// already fired.
func (r *Recovery) Cancel(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[userID]
	if !ok {
		return false
	}
	delete(r.timers, userID)
	return t.Stop()
}

// Pending reports whether a recovery window is currently armed for a user.
func (r *Recovery) Pending(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[userID]
	return ok
}

func (r *Recovery) fire(userID string, fired *time.Timer) {
	r.mu.Lock()
	current, ok := r.timers[userID]
	if !ok || current != fired {
		// A newer window replaced this one, or a cancel won the race.
		r.mu.Unlock()
		return
	}
	delete(r.timers, userID)
	r.mu.Unlock()

	r.onExpire(userID)
}
