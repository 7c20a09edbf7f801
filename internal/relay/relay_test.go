package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"palaver/internal/models"
	"palaver/internal/screen"
)

type fakeRooms struct {
	members map[string][]string
}

func (f *fakeRooms) IsMember(roomID, userID string) bool {
	for _, m := range f.members[roomID] {
		if m == userID {
			return true
		}
	}
	return false
}

func (f *fakeRooms) MembersOf(roomID string) ([]string, error) {
	m, ok := f.members[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return m, nil
}

type sentEvent struct {
	target string // user or connection id
	ev     models.ServerEvent
}

type fakeSender struct {
	mu      sync.Mutex
	toUser  []sentEvent
	toConn  []sentEvent
	offline map[string]bool
}

func (f *fakeSender) SendTo(connID string, ev models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toConn = append(f.toConn, sentEvent{target: connID, ev: ev})
	return nil
}

func (f *fakeSender) SendToUser(userID string, ev models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return models.ErrNoActiveConnections
	}
	f.toUser = append(f.toUser, sentEvent{target: userID, ev: ev})
	return nil
}

func (f *fakeSender) userEvents(userID string, t models.ServerEventType) []models.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ServerEvent
	for _, e := range f.toUser {
		if e.target == userID && e.ev.Type == t {
			out = append(out, e.ev)
		}
	}
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	appended  []models.Message
	lastSeq   map[string]int64
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{lastSeq: make(map[string]int64)}
}

func (f *fakeStore) AppendMessage(msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeStore) LastSeq(roomID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq[roomID], nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

type fakeScreener struct {
	result screen.Result
	err    error
}

func (f *fakeScreener) Screen(ctx context.Context, body string, sctx screen.Context) (screen.Result, error) {
	if f.err != nil {
		return screen.Result{}, f.err
	}
	return f.result, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	mentions []string
}

func (f *fakeNotifier) NotifyMention(targetUserID string, message models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentions = append(f.mentions, targetUserID)
}

type fakeQueue struct {
	mu     sync.Mutex
	queued map[string][]models.ServerEvent
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: make(map[string][]models.ServerEvent)}
}

func (f *fakeQueue) Enqueue(userID string, ev models.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[userID] = append(f.queued[userID], ev)
}

type relayFixture struct {
	relay    *Relay
	rooms    *fakeRooms
	out      *fakeSender
	store    *fakeStore
	screener *fakeScreener
	notifier *fakeNotifier
	queue    *fakeQueue
}

func newFixture(privileged func(string) bool) *relayFixture {
	f := &relayFixture{
		rooms:    &fakeRooms{members: map[string][]string{"general": {"alice", "bob"}}},
		out:      &fakeSender{offline: make(map[string]bool)},
		store:    newFakeStore(),
		screener: &fakeScreener{result: screen.Result{Verdict: screen.VerdictAllow}},
		notifier: &fakeNotifier{},
		queue:    newFakeQueue(),
	}
	cfg := Config{
		MaxMessageChars: 100,
		MaxFileBytes:    1 << 20,
		ScreenTimeout:   time.Second,
		MessageRate:     100,
		MessageBurst:    100,
	}
	f.relay = New(cfg, f.rooms, f.out, f.store, f.screener, f.notifier, f.queue, privileged, zap.NewNop().Sugar())
	return f
}

func TestRelay_Send(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "**hello**"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Seq != 1 || msg.RoomID != "general" || msg.AuthorID != "alice" {
		t.Errorf("message mismatch: %+v", msg)
	}
	if msg.HTML == "" || msg.HTML == msg.Body {
		t.Errorf("expected rendered HTML, got %q", msg.HTML)
	}

	if f.store.count() != 1 {
		t.Errorf("expected 1 persisted message, got %d", f.store.count())
	}
	// Both members get the room event; only the author's connection gets the
	// ack.
	for _, member := range []string{"alice", "bob"} {
		if got := f.out.userEvents(member, models.ServerMessageNew); len(got) != 1 {
			t.Errorf("%s got %d message:new events", member, len(got))
		}
	}
	f.out.mu.Lock()
	acks := len(f.out.toConn)
	f.out.mu.Unlock()
	if acks != 1 {
		t.Errorf("expected 1 ack, got %d", acks)
	}
}

func TestRelay_SendOrdering(t *testing.T) {
	f := newFixture(nil)
	f.store.lastSeq["general"] = 7

	for i := 0; i < 3; i++ {
		if _, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	// Sequences continue from the persisted tail, and every member observes
	// the same order.
	for _, member := range []string{"alice", "bob"} {
		evs := f.out.userEvents(member, models.ServerMessageNew)
		if len(evs) != 3 {
			t.Fatalf("%s got %d events", member, len(evs))
		}
		for i, ev := range evs {
			if want := int64(8 + i); ev.Message.Seq != want {
				t.Errorf("%s event %d has seq %d, want %d", member, i, ev.Message.Seq, want)
			}
		}
	}
}

func TestRelay_SendRejections(t *testing.T) {
	f := newFixture(nil)

	cases := []struct {
		name    string
		roomID  string
		author  string
		in      SendInput
		wantErr error
	}{
		{"non-member", "general", "carol", SendInput{Body: "hi"}, models.ErrNotAMember},
		{"unknown room", "nope", "alice", SendInput{Body: "hi"}, models.ErrNotAMember},
		{"empty body", "general", "alice", SendInput{Body: "   "}, models.ErrInvalidContent},
		{"oversized body", "general", "alice", SendInput{Body: string(make([]byte, 200))}, models.ErrInvalidContent},
		{"file without meta", "general", "alice", SendInput{Kind: models.MessageKindFile}, models.ErrInvalidContent},
		{"system kind from client", "general", "alice", SendInput{Kind: models.MessageKindSystem, Body: "x"}, models.ErrInvalidContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.relay.Send(context.Background(), tc.roomID, tc.author, "c1", tc.in)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
	if f.store.count() != 0 {
		t.Errorf("rejected sends persisted %d messages", f.store.count())
	}
}

func TestRelay_SendFile(t *testing.T) {
	f := newFixture(nil)

	pngHead := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{
		Kind: models.MessageKindFile,
		File: &models.FileMeta{Name: "shot.png", MimeType: "image/png", Size: 2048, Head: pngHead},
	})
	if err != nil {
		t.Fatalf("file send failed: %v", err)
	}
	if msg.File == nil || msg.File.Name != "shot.png" {
		t.Errorf("file meta lost: %+v", msg.File)
	}

	// Executable-looking bytes are refused no matter the declared MIME.
	elfHead := []byte{0x7F, 0x45, 0x4C, 0x46, 2, 1, 1, 0, 0, 0, 0, 0}
	_, err = f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{
		Kind: models.MessageKindFile,
		File: &models.FileMeta{Name: "img.png", MimeType: "image/png", Size: 2048, Head: elfHead},
	})
	if !errors.Is(err, models.ErrInvalidContent) {
		t.Errorf("expected ErrInvalidContent for sniffed mismatch, got %v", err)
	}
}

func TestRelay_ScreeningBlock(t *testing.T) {
	f := newFixture(nil)
	f.screener.result = screen.Result{Verdict: screen.VerdictBlock, Reason: "High toxicity detected"}

	_, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "bad"})
	var blocked *models.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Reason != "High toxicity detected" {
		t.Errorf("reason = %q", blocked.Reason)
	}

	// Blocked content never persists and never reaches the room.
	if f.store.count() != 0 {
		t.Errorf("blocked message persisted")
	}
	if got := f.out.userEvents("bob", models.ServerMessageNew); len(got) != 0 {
		t.Errorf("blocked message broadcast: %v", got)
	}
}

func TestRelay_ScreeningFlagVisibility(t *testing.T) {
	f := newFixture(func(userID string) bool { return userID == "bob" })
	f.rooms.members["general"] = []string{"alice", "bob", "carol"}
	f.screener.result = screen.Result{Verdict: screen.VerdictFlag, Reason: "Possible spam"}

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "check this out"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Annotation != "flagged: Possible spam" {
		t.Errorf("annotation = %q", msg.Annotation)
	}

	// Author and privileged member see the annotation; others do not.
	for _, tc := range []struct {
		member string
		want   string
	}{
		{"alice", "flagged: Possible spam"},
		{"bob", "flagged: Possible spam"},
		{"carol", ""},
	} {
		evs := f.out.userEvents(tc.member, models.ServerMessageNew)
		if len(evs) != 1 {
			t.Fatalf("%s got %d events", tc.member, len(evs))
		}
		if evs[0].Message.Annotation != tc.want {
			t.Errorf("%s saw annotation %q, want %q", tc.member, evs[0].Message.Annotation, tc.want)
		}
	}
}

func TestRelay_ScreeningFailOpen(t *testing.T) {
	f := newFixture(nil)
	f.screener.err = errors.New("screener down")

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "hello"})
	if err != nil {
		t.Fatalf("Send should fail open, got %v", err)
	}
	if msg.Annotation != models.AnnotationUnscreened {
		t.Errorf("annotation = %q, want unscreened", msg.Annotation)
	}
	if f.store.count() != 1 {
		t.Errorf("fail-open message not persisted")
	}
}

func TestRelay_PersistFailureAborts(t *testing.T) {
	f := newFixture(nil)
	f.store.appendErr = errors.New("disk full")

	if _, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "hello"}); err == nil {
		t.Fatal("expected error")
	}
	if got := f.out.userEvents("bob", models.ServerMessageNew); len(got) != 0 {
		t.Errorf("unpersisted message broadcast: %v", got)
	}

	// The sequence now rolls forward cleanly once the store recovers.
	f.store.mu.Lock()
	f.store.appendErr = nil
	f.store.mu.Unlock()
	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "retry"})
	if err != nil {
		t.Fatalf("Send after recovery failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("seq = %d, want 1 (failed attempt must not consume a sequence)", msg.Seq)
	}
}

func TestRelay_RateLimit(t *testing.T) {
	f := newFixture(nil)
	f.relay.cfg.MessageRate = 1
	f.relay.cfg.MessageBurst = 2

	var limited bool
	for i := 0; i < 5; i++ {
		_, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "spam"})
		if errors.Is(err, models.ErrRateLimited) {
			limited = true
			break
		}
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if !limited {
		t.Error("burst was never limited")
	}

	// Limiters are per user.
	if _, err := f.relay.Send(context.Background(), "general", "bob", "c2", SendInput{Body: "hi"}); err != nil {
		t.Errorf("bob should not share alice's limiter: %v", err)
	}
}

func TestRelay_OfflineQueueing(t *testing.T) {
	f := newFixture(nil)
	f.out.offline["bob"] = true

	if _, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "hello"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f.queue.mu.Lock()
	queued := f.queue.queued["bob"]
	f.queue.mu.Unlock()
	if len(queued) != 1 || queued[0].Type != models.ServerMessageNew {
		t.Fatalf("expected 1 queued message:new for bob, got %v", queued)
	}
	if queued[0].Message.Body != "hello" {
		t.Errorf("queued body = %q", queued[0].Message.Body)
	}
}

func TestRelay_Edit(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "first"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := f.relay.Edit(context.Background(), msg.ID, "bob", "hijack"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("non-author edit: got %v, want ErrNotAuthorized", err)
	}

	updated, err := f.relay.Edit(context.Background(), msg.ID, "alice", "second")
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if updated.Body != "second" || !updated.Edited {
		t.Errorf("edit not applied: %+v", updated)
	}
	if got := f.out.userEvents("bob", models.ServerMessageEdited); len(got) != 1 {
		t.Errorf("bob got %d edited events", len(got))
	}

	if _, err := f.relay.Edit(context.Background(), "missing", "alice", "x"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestRelay_Delete(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "oops"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := f.relay.Delete(msg.ID, "bob"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("non-author delete: got %v", err)
	}
	if err := f.relay.Delete(msg.ID, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	evs := f.out.userEvents("bob", models.ServerMessageDeleted)
	if len(evs) != 1 {
		t.Fatalf("bob got %d deleted events", len(evs))
	}
	tomb := evs[0].Message
	if !tomb.Deleted || tomb.Body != "" || tomb.HTML != "" {
		t.Errorf("tombstone still carries content: %+v", tomb)
	}
	if tomb.ID != msg.ID || tomb.Seq != msg.Seq {
		t.Errorf("tombstone lost identity: %+v", tomb)
	}

	// Tombstones refuse further edits and reactions.
	if _, err := f.relay.Edit(context.Background(), msg.ID, "alice", "resurrect"); !errors.Is(err, models.ErrInvalidContent) {
		t.Errorf("edit of deleted message: got %v", err)
	}
	if _, err := f.relay.React(msg.ID, "bob", "👍"); !errors.Is(err, models.ErrInvalidContent) {
		t.Errorf("react to deleted message: got %v", err)
	}
}

func TestRelay_MutateAfterLeavingRoom(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "staying?"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The author leaves the room; membership gates edits and deletes the
	// same way it gates sends.
	f.rooms.members["general"] = []string{"bob"}

	if _, err := f.relay.Edit(context.Background(), msg.ID, "alice", "from outside"); !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("edit after leaving: got %v, want ErrNotAMember", err)
	}
	if err := f.relay.Delete(msg.ID, "alice"); !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("delete after leaving: got %v, want ErrNotAMember", err)
	}
	if got := f.out.userEvents("bob", models.ServerMessageEdited); len(got) != 0 {
		t.Errorf("bob got %d edited events, want none", len(got))
	}
}

func TestRelay_React(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := f.relay.React(msg.ID, "bob", "🦖"); !errors.Is(err, models.ErrInvalidReaction) {
		t.Errorf("off-list reaction: got %v", err)
	}
	if _, err := f.relay.React(msg.ID, "carol", "👍"); !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("non-member reaction: got %v", err)
	}

	updated, err := f.relay.React(msg.ID, "bob", "👍")
	if err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if got := updated.Reactions["👍"]; len(got) != 1 || got[0] != "bob" {
		t.Errorf("reactions = %v", updated.Reactions)
	}

	// The same user reacting again grows the multiset.
	updated, err = f.relay.React(msg.ID, "bob", "👍")
	if err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if got := updated.Reactions["👍"]; len(got) != 2 {
		t.Errorf("repeat reaction not appended: %v", got)
	}
	if got := f.out.userEvents("alice", models.ServerMessageReaction); len(got) != 2 {
		t.Errorf("alice got %d reaction events", len(got))
	}
}

func TestRelay_Mentions(t *testing.T) {
	f := newFixture(nil)
	f.rooms.members["general"] = []string{"alice", "bob", "carol"}

	if _, err := f.relay.Send(context.Background(), "general", "alice", "c1", SendInput{Body: "hello @bob and @dave and @alice"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f.notifier.mu.Lock()
	mentions := append([]string(nil), f.notifier.mentions...)
	f.notifier.mu.Unlock()

	// Only members other than the author get a mention: @dave is not in the
	// room and @alice is the author.
	if len(mentions) != 1 || mentions[0] != "bob" {
		t.Errorf("mentions = %v, want [bob]", mentions)
	}
}
