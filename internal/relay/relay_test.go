package relay

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/groupchat/internal/models"
	"github.com/zulandar/groupchat/internal/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

func TestNew_Validation(t *testing.T) {
	db := testDB(t)
	identity, _ := NewIdentityProvider(IdentityProviderOpts{DB: db})
	publisher, _ := NewPublisher(PublisherOpts{DB: db, Identity: identity, Broadcaster: &recordingBroadcaster{}})
	tokens, _ := NewTokenCache(TokenCacheOpts{DB: db, Issuer: &fakeIssuer{}})
	streamer := NewMockStreamer(nil)

	tests := []struct {
		name    string
		opts    Opts
		wantErr string
	}{
		{"missing identity", Opts{Publisher: publisher, Streamer: streamer, Sessions: tokens}, "identity is required"},
		{"missing publisher", Opts{Identity: identity, Streamer: streamer, Sessions: tokens}, "publisher is required"},
		{"missing streamer", Opts{Identity: identity, Publisher: publisher, Sessions: tokens}, "streamer is required"},
		{"missing sessions", Opts{Identity: identity, Publisher: publisher, Streamer: streamer}, "sessions is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}

	r, err := New(Opts{Identity: identity, Publisher: publisher, Streamer: streamer, Sessions: tokens})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", r.maxAttempts, DefaultMaxAttempts)
	}
}

func TestOnReceiveMessage_HappyPath(t *testing.T) {
	f := newRelayFixture(t, 0, Turn{Events: []Event{
		{Kind: EventPartial, Text: "Hi"},
		{Kind: EventFinal, Text: "Hi there!"},
		{Kind: EventInteractionEnd},
	}})

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 7, Content: "hello", UserName: "Ann"})

	events := f.broadcaster.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	typing, sent := events[0], events[1]
	if typing.groupID != 7 || typing.event.Type != pubsub.EventTyping {
		t.Errorf("first event = %+v, want typing on group 7", typing)
	}
	if typing.event.User == nil || typing.event.User.ID != "shark" {
		t.Errorf("typing user = %+v, want bot", typing.event.User)
	}
	if sent.groupID != 7 || sent.event.Type != pubsub.EventMessageSent {
		t.Fatalf("second event = %+v, want message_sent on group 7", sent)
	}
	if sent.event.Message.Content != "Hi there!" {
		t.Errorf("content = %q, want %q", sent.event.Message.Content, "Hi there!")
	}
	if sent.event.Author == nil || sent.event.Author.Name != "Shark AI" {
		t.Errorf("author = %+v, want Shark AI", sent.event.Author)
	}

	opened := f.streamer.Opened()
	if len(opened) != 1 || opened[0].UserName != "Ann" || opened[0].GroupID != 7 {
		t.Errorf("opened = %+v, want one request for Ann in group 7", opened)
	}
	if sent := f.streamer.Sent(); len(sent) != 1 || sent[0] != "hello" {
		t.Errorf("sent = %v, want [hello]", sent)
	}
	if f.streamer.Closed() != 1 {
		t.Errorf("closed = %d, want 1", f.streamer.Closed())
	}

	var stored []models.Message
	f.db.Find(&stored)
	if len(stored) != 1 || stored[0].Content != "Hi there!" || stored[0].AuthorID != "shark" {
		t.Errorf("stored messages = %+v, want one bot reply", stored)
	}
}

func TestOnReceiveMessage_TypingPrecedesMessage(t *testing.T) {
	f := newRelayFixture(t, 0, reply("a"), reply("b"))
	ctx := context.Background()

	f.relay.OnReceiveMessage(ctx, IncomingMessage{GroupID: 1, Content: "one"})
	f.relay.OnReceiveMessage(ctx, IncomingMessage{GroupID: 1, Content: "two"})

	var types []string
	for _, r := range f.broadcaster.all() {
		types = append(types, r.event.Type)
	}
	want := []string{"typing", "message_sent", "typing", "message_sent"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", types, want)
	}
}

func TestOnReceiveMessage_JoinsFinalFragments(t *testing.T) {
	f := newRelayFixture(t, 0, Turn{Events: []Event{
		{Kind: EventFinal, Text: "one"},
		{Kind: EventPartial, Text: "tw"},
		{Kind: EventFinal, Text: "two"},
		{Kind: EventPartial, Text: "ignored"},
		{Kind: EventFinal, Text: "three"},
		{Kind: EventInteractionEnd},
	}})

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 2, Content: "count"})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if got, want := sent[0].event.Message.Content, "one\ntwo\nthree"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestOnReceiveMessage_EmptyReplyStillPublished(t *testing.T) {
	f := newRelayFixture(t, 0, Turn{Events: []Event{
		{Kind: EventPartial, Text: "hm"},
		{Kind: EventInteractionEnd},
	}})

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 3, Content: "..."})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if sent[0].event.Message.Content != "" {
		t.Errorf("content = %q, want empty", sent[0].event.Message.Content)
	}
}

func TestOnReceiveMessage_ReusesSession(t *testing.T) {
	f := newRelayFixture(t, 0, reply("a"))
	ctx := context.Background()

	f.relay.OnReceiveMessage(ctx, IncomingMessage{GroupID: 4, Content: "first"})
	f.streamer.Script(reply("b"))
	f.relay.OnReceiveMessage(ctx, IncomingMessage{GroupID: 4, Content: "second"})

	if got := f.broadcaster.ofType(pubsub.EventMessageSent); len(got) != 2 || got[1].event.Message == nil || got[1].event.Message.Content != "b" {
		t.Errorf("message events = %+v, want replies a then b", got)
	}

	sessions := f.streamer.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0] != "sess-1" || sessions[1] != "sess-1" {
		t.Errorf("sessions = %v, want both sess-1", sessions)
	}
	if f.issuer.issued() != 2 {
		t.Errorf("issued = %d, want a fresh token per turn", f.issuer.issued())
	}
}

func TestOnReceiveMessage_StaleSessionRecovers(t *testing.T) {
	stale := status.Error(codes.FailedPrecondition, "session expired")
	f := newRelayFixture(t, 0, failWith(stale), reply("recovered"))
	deletes := 0
	f.db.Callback().Delete().After("gorm:delete").Register("test:count_session_deletes", func(tx *gorm.DB) {
		if tx.Statement.Table == "bot_sessions" && tx.RowsAffected > 0 {
			deletes++
		}
	})
	creates := countCreates(t, f.db, "bot_sessions")

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 7, Content: "hello", UserName: "Ann"})

	if deletes != 1 {
		t.Errorf("session deletes = %d, want 1", deletes)
	}
	if sessions := f.streamer.Sessions(); len(sessions) != 2 || sessions[0] == sessions[1] {
		t.Errorf("sessions = %v, want a new session on retry", sessions)
	}
	var row models.BotSession
	if err := f.db.Where("group_id = ?", 7).First(&row).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if row.SessionID != "sess-2" {
		t.Errorf("stored session = %q, want sess-2", row.SessionID)
	}
	if creates() != 2 {
		t.Errorf("session creates = %d, want 2", creates())
	}

	if sent := f.streamer.Sent(); len(sent) != 2 || sent[0] != "hello" || sent[1] != "hello" {
		t.Errorf("sent = %v, want the same message twice", sent)
	}

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if sent[0].event.Message.Content != "recovered" {
		t.Errorf("content = %q, want recovered", sent[0].event.Message.Content)
	}
	if typing := f.broadcaster.ofType(pubsub.EventTyping); len(typing) != 1 {
		t.Errorf("typing events = %d, want 1", len(typing))
	}
	if f.streamer.Closed() != 2 {
		t.Errorf("closed = %d, want 2", f.streamer.Closed())
	}
}

func TestOnReceiveMessage_StaleSessionExhausted(t *testing.T) {
	stale := status.Error(codes.FailedPrecondition, "session expired")
	f := newRelayFixture(t, 2, failWith(stale), failWith(stale), reply("never"))

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 8, Content: "hi"})

	if opened := f.streamer.Opened(); len(opened) != 2 {
		t.Errorf("opened = %d, want 2", len(opened))
	}
	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	content := sent[0].event.Message.Content
	if !strings.HasPrefix(content, "Oops! something went wrong: ") || !strings.Contains(content, "session expired") {
		t.Errorf("content = %q, want visible stale-session error", content)
	}
}

func TestOnReceiveMessage_UnclassifiedErrorIsVisible(t *testing.T) {
	f := newRelayFixture(t, 0, failWith(status.Error(codes.Unavailable, "timeout")))

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 7, Content: "hello"})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if got, want := sent[0].event.Message.Content, "Oops! something went wrong: timeout"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if opened := f.streamer.Opened(); len(opened) != 1 {
		t.Errorf("opened = %d, want no retry", len(opened))
	}
}

func TestOnReceiveMessage_ErrorWithoutDetail(t *testing.T) {
	f := newRelayFixture(t, 0, failWith(status.Error(codes.Internal, "")))

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 7, Content: "hello"})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 || sent[0].event.Message.Content != "Oops! something went wrong" {
		t.Errorf("messages = %+v, want bare error text", sent)
	}
}

func TestOnReceiveMessage_SilentKinds(t *testing.T) {
	tests := []struct {
		name string
		turn Turn
	}{
		{"aborted", failWith(status.Error(codes.Aborted, "interrupted"))},
		{"cancelled status", failWith(status.Error(codes.Canceled, "cancelled"))},
		{"context cancelled", Turn{SendErr: context.Canceled}},
		{"open aborted", Turn{OpenErr: status.Error(codes.Aborted, "busy")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t, 0, tt.turn, reply("unexpected retry"))

			f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 9, Content: "hi"})

			if sent := f.broadcaster.ofType(pubsub.EventMessageSent); len(sent) != 0 {
				t.Errorf("messages = %+v, want none", sent)
			}
			if typing := f.broadcaster.ofType(pubsub.EventTyping); len(typing) != 1 {
				t.Errorf("typing events = %d, want 1", len(typing))
			}
			if opened := f.streamer.Opened(); len(opened) != 1 {
				t.Errorf("opened = %d, want no retry", len(opened))
			}
		})
	}
}

func TestOnReceiveMessage_StreamEndsEarly(t *testing.T) {
	f := newRelayFixture(t, 0, Turn{Events: []Event{{Kind: EventFinal, Text: "half"}}})

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 5, Content: "hi"})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if !strings.HasPrefix(sent[0].event.Message.Content, "Oops! something went wrong") {
		t.Errorf("content = %q, want visible error", sent[0].event.Message.Content)
	}
}

func TestOnReceiveMessage_TokenFailureIsVisible(t *testing.T) {
	f := newRelayFixture(t, 0, reply("unused"))
	f.issuer.err = errors.New("authority down")

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 6, Content: "hi"})

	sent := f.broadcaster.ofType(pubsub.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].event.Message.Content, "authority down") {
		t.Errorf("content = %q, want token error detail", sent[0].event.Message.Content)
	}
}

func TestOnReceiveMessage_StreamClosedWhenPublishFails(t *testing.T) {
	f := newRelayFixture(t, 0, reply("lost"))
	f.broadcaster.err = errors.New("broker down")

	f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 5, Content: "hi"})

	if f.streamer.Closed() != 1 {
		t.Errorf("closed = %d, want 1", f.streamer.Closed())
	}
	var count int64
	f.db.Model(&models.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("stored messages = %d, want 1", count)
	}
}

func TestOnReceiveMessage_BotCreatedOnce(t *testing.T) {
	const n = 10
	var turns []Turn
	for range n {
		turns = append(turns, reply("ok"))
	}
	f := newRelayFixture(t, 0, turns...)
	creates := countCreates(t, f.db, "accounts")

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: uint(i + 1), Content: "hi"})
		}()
	}
	wg.Wait()

	if creates() != 1 {
		t.Errorf("account creates = %d, want 1", creates())
	}
	if sent := f.broadcaster.ofType(pubsub.EventMessageSent); len(sent) != n {
		t.Errorf("messages = %d, want %d", len(sent), n)
	}
}

// blockingStreamer holds every stream open until release is closed and
// records how many streams were open at once.
type blockingStreamer struct {
	mu      sync.Mutex
	open    int
	maxOpen int
	release chan struct{}
}

func (b *blockingStreamer) Open(context.Context, OpenRequest) (Stream, error) {
	b.mu.Lock()
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	b.mu.Unlock()
	return &blockingStream{parent: b}, nil
}

type blockingStream struct{ parent *blockingStreamer }

func (s *blockingStream) Send(context.Context, string) error { return nil }

func (s *blockingStream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		<-s.parent.release
		yield(Event{Kind: EventInteractionEnd})
	}
}

func (s *blockingStream) Close() error {
	s.parent.mu.Lock()
	s.parent.open--
	s.parent.mu.Unlock()
	return nil
}

func TestOnReceiveMessage_SerializesGroup(t *testing.T) {
	f := newRelayFixture(t, 0)
	bs := &blockingStreamer{release: make(chan struct{})}
	f.relay.streamer = bs

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.relay.OnReceiveMessage(context.Background(), IncomingMessage{GroupID: 1, Content: "hi"})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(bs.release)
	wg.Wait()

	if bs.maxOpen != 1 {
		t.Errorf("max concurrent streams for one group = %d, want 1", bs.maxOpen)
	}
	if sent := f.broadcaster.ofType(pubsub.EventMessageSent); len(sent) != 3 {
		t.Errorf("messages = %d, want 3", len(sent))
	}
}

func TestOnReceiveMessage_CancelledWhileWaiting(t *testing.T) {
	f := newRelayFixture(t, 0, reply("unused"))
	unlock, err := f.relay.locks.lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.relay.OnReceiveMessage(ctx, IncomingMessage{GroupID: 1, Content: "hi"})

	if events := f.broadcaster.all(); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}
