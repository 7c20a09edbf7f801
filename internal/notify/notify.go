// Package notify is the outbound notification collaborator: a buffered
// worker consuming mention jobs off the hot path, with optional Web Push
// delivery for users who registered a subscription. Failures are logged and
// never propagate back to the message path.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"palaver/internal/models"
)

const jobBuffer = 256

type Mention struct {
	TargetUserID string
	Message      models.Message
}

type Dispatcher struct {
	jobs   chan Mention
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[string][]webpush.Subscription

	// nil when no VAPID keys are configured; push delivery is then skipped.
	opts *webpush.Options
}

func NewDispatcher(vapidPublic, vapidPrivate, contact string, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		jobs:   make(chan Mention, jobBuffer),
		subs:   make(map[string][]webpush.Subscription),
		logger: logger,
	}
	if vapidPublic != "" && vapidPrivate != "" {
		d.opts = &webpush.Options{
			Subscriber:      contact,
			VAPIDPublicKey:  vapidPublic,
			VAPIDPrivateKey: vapidPrivate,
			TTL:             60,
		}
	}
	return d
}

// Run consumes mention jobs until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case job := <-d.jobs:
			d.deliver(job)
		case <-ctx.Done():
			return nil
		}
	}
}

// NotifyMention hands a mention to the worker. Fire-and-forget: a full
// buffer drops the job with a log line instead of stalling the relay.
func (d *Dispatcher) NotifyMention(targetUserID string, message models.Message) {
	select {
	case d.jobs <- Mention{TargetUserID: targetUserID, Message: message}:
	default:
		d.logger.Warnw("notification buffer full, dropping mention",
			"target_user_id", targetUserID, "message_id", message.ID)
	}
}

// Subscribe registers a Web Push subscription for a user.
func (d *Dispatcher) Subscribe(userID string, sub webpush.Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[userID] = append(d.subs[userID], sub)
}

func (d *Dispatcher) deliver(job Mention) {
	d.logger.Infow("mention notification",
		"target_user_id", job.TargetUserID,
		"message_id", job.Message.ID,
		"room_id", job.Message.RoomID,
		"author_id", job.Message.AuthorID)

	if d.opts == nil {
		return
	}

	d.mu.RLock()
	subs := append([]webpush.Subscription(nil), d.subs[job.TargetUserID]...)
	d.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"type":   "mention",
		"roomId": job.Message.RoomID,
		"author": job.Message.AuthorID,
		"body":   job.Message.Body,
	})
	if err != nil {
		d.logger.Errorw("failed to marshal push payload", "error", err)
		return
	}

	for i := range subs {
		resp, err := webpush.SendNotification(payload, &subs[i], d.opts)
		if err != nil {
			d.logger.Errorw("push delivery failed",
				"target_user_id", job.TargetUserID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
