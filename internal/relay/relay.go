// Package relay runs the message pipeline: membership and rate checks,
// structural validation, content-policy screening, persistence, then room
// fan-out. Per room, commits are serialized so every member observes
// messages in the same order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"palaver/internal/content"
	"palaver/internal/models"
	"palaver/internal/screen"
)

type membership interface {
	IsMember(roomID, userID string) bool
	MembersOf(roomID string) ([]string, error)
}

type sender interface {
	SendTo(connID string, ev models.ServerEvent) error
	SendToUser(userID string, ev models.ServerEvent) error
}

type store interface {
	AppendMessage(message models.Message) error
	LastSeq(roomID string) (int64, error)
}

type screener interface {
	Screen(ctx context.Context, body string, sctx screen.Context) (screen.Result, error)
}

type notifier interface {
	NotifyMention(targetUserID string, message models.Message)
}

type offlineQueue interface {
	Enqueue(userID string, ev models.ServerEvent)
}

// Reactions clients may attach to a message.
var allowedReactions = map[string]bool{
	"👍": true, "👎": true, "❤️": true, "😂": true, "😮": true, "😢": true, "🎉": true,
}

type Config struct {
	MaxMessageChars int
	MaxFileBytes    int64
	ScreenTimeout   time.Duration
	MessageRate     float64
	MessageBurst    int
}

type SendInput struct {
	Body    string
	Kind    models.MessageKind
	File    *models.FileMeta
	ReplyTo string
}

type Relay struct {
	cfg      Config
	rooms    membership
	out      sender
	store    store
	screener screener
	notifier notifier
	queue    offlineQueue
	// privileged reports whether a user may see moderation annotations on
	// other people's messages.
	privileged func(userID string) bool
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu       sync.Mutex
	messages map[string]*models.Message
	roomMu   map[string]*sync.Mutex
	nextSeq  map[string]int64
	limiters map[string]*rate.Limiter
}

func New(cfg Config, rooms membership, out sender, st store, sc screener, n notifier, q offlineQueue, privileged func(string) bool, logger *zap.SugaredLogger) *Relay {
	if privileged == nil {
		privileged = func(string) bool { return false }
	}
	return &Relay{
		cfg:        cfg,
		rooms:      rooms,
		out:        out,
		store:      st,
		screener:   sc,
		notifier:   n,
		queue:      q,
		privileged: privileged,
		logger:     logger,
		now:        time.Now,
		messages:   make(map[string]*models.Message),
		roomMu:     make(map[string]*sync.Mutex),
		nextSeq:    make(map[string]int64),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Send runs the full pipeline for a new message. connID is the author's
// originating connection; the message:sent acknowledgment goes there alone,
// so a duplicate room echo can never confuse the sender's optimistic UI.
func (r *Relay) Send(ctx context.Context, roomID, authorID, connID string, in SendInput) (models.Message, error) {
	if !r.rooms.IsMember(roomID, authorID) {
		return models.Message{}, models.ErrNotAMember
	}
	if !r.limiter(authorID).Allow() {
		return models.Message{}, models.ErrRateLimited
	}
	if in.Kind == "" {
		in.Kind = models.MessageKindText
	}
	if err := r.validate(in); err != nil {
		return models.Message{}, err
	}

	annotation, err := r.screenBody(ctx, roomID, authorID, in.Body)
	if err != nil {
		return models.Message{}, err
	}

	// Membership was read above without holding any index lock across the
	// collaborator calls; the commit lock below is per room so a slow
	// policy check never stalls unrelated rooms.
	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := r.reserveSeq(roomID)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		Seq:        seq,
		RoomID:     roomID,
		AuthorID:   authorID,
		Kind:       in.Kind,
		Body:       in.Body,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  r.now().UnixNano(),
		File:       in.File,
		Annotation: annotation,
	}
	if in.Kind == models.MessageKindText {
		msg.HTML = content.Render(in.Body)
	}

	// A message that cannot be durably stored must not go out as if it
	// were.
	if err := r.store.AppendMessage(msg); err != nil {
		r.logger.Errorw("failed to persist message",
			"room_id", roomID, "author_id", authorID, "error", err)
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	r.commitSeq(roomID, seq)
	r.index(&msg)

	r.fanOut(models.ServerMessageNew, msg)

	ack := msg.Clone()
	if err := r.out.SendTo(connID, models.ServerEvent{
		Type:    models.ServerMessageSent,
		RoomID:  roomID,
		Message: &ack,
		At:      r.now().UnixMilli(),
	}); err != nil {
		// The author's socket vanished between send and ack. The message
		// already broadcast; nothing to roll back.
		r.logger.Debugw("author ack skipped", "conn_id", connID, "error", err)
	}

	r.dispatchMentions(msg)

	return msg, nil
}

// Edit replaces the body of an author's own message. The new body passes
// the same screening as a fresh send.
func (r *Relay) Edit(ctx context.Context, messageID, userID, newBody string) (models.Message, error) {
	cur, err := r.lookup(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if !r.rooms.IsMember(cur.RoomID, userID) {
		return models.Message{}, models.ErrNotAMember
	}
	if cur.AuthorID != userID {
		return models.Message{}, models.ErrNotAuthorized
	}
	if cur.Deleted {
		return models.Message{}, fmt.Errorf("%w: message was deleted", models.ErrInvalidContent)
	}
	if err := r.validate(SendInput{Body: newBody, Kind: models.MessageKindText}); err != nil {
		return models.Message{}, err
	}

	annotation, err := r.screenBody(ctx, cur.RoomID, userID, newBody)
	if err != nil {
		return models.Message{}, err
	}

	lock := r.roomLock(cur.RoomID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := r.mutate(messageID, func(m *models.Message) {
		m.Body = newBody
		m.HTML = content.Render(newBody)
		m.Edited = true
		m.Annotation = annotation
	})
	if err != nil {
		return models.Message{}, err
	}

	r.fanOut(models.ServerMessageEdited, updated)
	return updated, nil
}

// Delete tombstones a message. Only the author may delete; the entry stays
// in the live index so later edits and reactions can be refused cleanly.
func (r *Relay) Delete(messageID, userID string) error {
	cur, err := r.lookup(messageID)
	if err != nil {
		return err
	}
	if !r.rooms.IsMember(cur.RoomID, userID) {
		return models.ErrNotAMember
	}
	if cur.AuthorID != userID {
		return models.ErrNotAuthorized
	}

	lock := r.roomLock(cur.RoomID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := r.mutate(messageID, func(m *models.Message) {
		m.Deleted = true
		m.Body = ""
		m.HTML = ""
		m.Annotation = ""
	})
	if err != nil {
		return err
	}

	r.fanOut(models.ServerMessageDeleted, updated)
	return nil
}

// React appends a reaction to a message's reaction multiset and broadcasts
// the updated set.
func (r *Relay) React(messageID, userID, reaction string) (models.Message, error) {
	if !allowedReactions[reaction] {
		return models.Message{}, models.ErrInvalidReaction
	}
	cur, err := r.lookup(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if !r.rooms.IsMember(cur.RoomID, userID) {
		return models.Message{}, models.ErrNotAMember
	}
	if cur.Deleted {
		return models.Message{}, fmt.Errorf("%w: message was deleted", models.ErrInvalidContent)
	}

	lock := r.roomLock(cur.RoomID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := r.mutate(messageID, func(m *models.Message) {
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[reaction] = append(m.Reactions[reaction], userID)
	})
	if err != nil {
		return models.Message{}, err
	}

	r.fanOut(models.ServerMessageReaction, updated)
	return updated, nil
}

// screenBody consults the content-policy collaborator under a bounded
// timeout. Policy failure fails open: the message goes through carrying an
// unscreened annotation, because an infrastructure failure must not silence
// users. A block verdict is terminal.
func (r *Relay) screenBody(ctx context.Context, roomID, authorID, body string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.ScreenTimeout)
	defer cancel()

	res, err := r.screener.Screen(sctx, body, screen.Context{RoomID: roomID, AuthorID: authorID})
	if err != nil {
		r.logger.Errorw("content screening unavailable, failing open",
			"room_id", roomID, "author_id", authorID, "error", err)
		return models.AnnotationUnscreened, nil
	}

	switch res.Verdict {
	case screen.VerdictBlock:
		return "", &models.BlockedError{Reason: res.Reason}
	case screen.VerdictFlag:
		return "flagged: " + res.Reason, nil
	default:
		return "", nil
	}
}

func (r *Relay) validate(in SendInput) error {
	switch in.Kind {
	case models.MessageKindText:
		if strings.TrimSpace(in.Body) == "" {
			return fmt.Errorf("%w: message body is empty", models.ErrInvalidContent)
		}
		if utf8.RuneCountInString(in.Body) > r.cfg.MaxMessageChars {
			return fmt.Errorf("%w: message exceeds %d characters", models.ErrInvalidContent, r.cfg.MaxMessageChars)
		}
	case models.MessageKindFile:
		if in.File == nil {
			return fmt.Errorf("%w: file metadata is required", models.ErrInvalidContent)
		}
		if in.File.Size <= 0 || in.File.Size > r.cfg.MaxFileBytes {
			return fmt.Errorf("%w: file size out of bounds", models.ErrInvalidContent)
		}
		if err := checkFileType(in.File.Head); err != nil {
			return err
		}
	default:
		// System messages originate inside the coordinator, never from a
		// client submission.
		return fmt.Errorf("%w: unsupported message kind %q", models.ErrInvalidContent, in.Kind)
	}
	return nil
}

// Archive formats safe to relay. The archive matcher group also covers
// executables (exe, elf), so membership is checked per extension instead of
// through IsArchive.
var allowedArchiveExts = map[string]bool{
	"pdf": true, "zip": true, "tar": true, "gz": true, "bz2": true, "7z": true, "xz": true,
}

// checkFileType sniffs the real file type from its leading bytes instead of
// trusting the declared MIME.
func checkFileType(head []byte) error {
	if len(head) == 0 {
		return fmt.Errorf("%w: file header bytes are required", models.ErrInvalidContent)
	}
	if filetype.IsImage(head) || filetype.IsAudio(head) || filetype.IsVideo(head) || filetype.IsDocument(head) {
		return nil
	}
	kind, err := filetype.Match(head)
	if err != nil || !allowedArchiveExts[kind.Extension] {
		return fmt.Errorf("%w: file type not allowed", models.ErrInvalidContent)
	}
	return nil
}

// fanOut broadcasts a message event to every room member. Members without
// an active connection get the event queued for their next registration.
// Moderation annotations travel only to the author and privileged members.
func (r *Relay) fanOut(evType models.ServerEventType, msg models.Message) {
	members, err := r.rooms.MembersOf(msg.RoomID)
	if err != nil {
		r.logger.Warnw("fan-out skipped, room gone", "room_id", msg.RoomID, "error", err)
		return
	}

	at := r.now().UnixMilli()
	for _, member := range members {
		copied := msg.Clone()
		if member != msg.AuthorID && !r.privileged(member) {
			copied.Annotation = ""
		}
		ev := models.ServerEvent{
			Type:    evType,
			RoomID:  msg.RoomID,
			Message: &copied,
			At:      at,
		}
		if err := r.out.SendToUser(member, ev); errors.Is(err, models.ErrNoActiveConnections) {
			r.queue.Enqueue(member, ev)
		}
	}
}

// dispatchMentions resolves @name markers against the room's members and
// hands each hit to the notification collaborator. Fire-and-forget; a
// notification failure never rolls back the message.
func (r *Relay) dispatchMentions(msg models.Message) {
	if msg.Kind != models.MessageKindText {
		return
	}
	names := content.Mentions(msg.Body)
	if len(names) == 0 {
		return
	}
	members, err := r.rooms.MembersOf(msg.RoomID)
	if err != nil {
		return
	}
	inRoom := make(map[string]bool, len(members))
	for _, m := range members {
		inRoom[m] = true
	}
	for _, name := range names {
		if inRoom[name] && name != msg.AuthorID {
			r.notifier.NotifyMention(name, msg)
		}
	}
}

func (r *Relay) lookup(messageID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return models.Message{}, models.ErrMessageNotFound
	}
	return m.Clone(), nil
}

// mutate applies fn to the live entry and persists the result. Persistence
// failure aborts the mutation: the live index keeps the old value.
func (r *Relay) mutate(messageID string, fn func(m *models.Message)) (models.Message, error) {
	r.mu.Lock()
	m, ok := r.messages[messageID]
	if !ok {
		r.mu.Unlock()
		return models.Message{}, models.ErrMessageNotFound
	}
	next := m.Clone()
	r.mu.Unlock()

	fn(&next)

	if err := r.store.AppendMessage(next); err != nil {
		r.logger.Errorw("failed to persist message update",
			"message_id", messageID, "error", err)
		return models.Message{}, fmt.Errorf("failed to persist message update: %w", err)
	}

	r.mu.Lock()
	*m = next
	r.mu.Unlock()
	return next, nil
}

func (r *Relay) index(msg *models.Message) {
	r.mu.Lock()
	r.messages[msg.ID] = msg
	r.mu.Unlock()
}

func (r *Relay) roomLock(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.roomMu[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.roomMu[roomID] = lock
	}
	return lock
}

// reserveSeq returns the next commit sequence for a room without advancing
// it; commitSeq advances only after a successful persist. Caller holds the
// room lock.
func (r *Relay) reserveSeq(roomID string) (int64, error) {
	r.mu.Lock()
	seq, ok := r.nextSeq[roomID]
	r.mu.Unlock()
	if !ok {
		last, err := r.store.LastSeq(roomID)
		if err != nil {
			return 0, fmt.Errorf("failed to read last sequence: %w", err)
		}
		seq = last
	}
	return seq + 1, nil
}

func (r *Relay) commitSeq(roomID string, seq int64) {
	r.mu.Lock()
	r.nextSeq[roomID] = seq
	r.mu.Unlock()
}

func (r *Relay) limiter(userID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.MessageRate), r.cfg.MessageBurst)
		r.limiters[userID] = l
	}
	return l
}
