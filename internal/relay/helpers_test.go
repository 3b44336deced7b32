package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/groupchat/internal/models"
	"github.com/zulandar/groupchat/internal/pubsub"
	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB opens an in-memory SQLite database with the relay tables. A single
// connection keeps every goroutine on the same in-memory database.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Account{}, &models.BotSession{}, &models.Message{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// countCreates counts INSERTs into table.
func countCreates(t *testing.T, db *gorm.DB, table string) func() int {
	t.Helper()
	var mu sync.Mutex
	n := 0
	err := db.Callback().Create().After("gorm:create").Register("test:count_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table && tx.Error == nil {
			mu.Lock()
			n++
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type recordedEvent struct {
	groupID uint
	event   pubsub.Event
}

// recordingBroadcaster records every broadcast event.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, groupID uint, evt pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, recordedEvent{groupID: groupID, event: evt})
	return nil
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedEvent, len(b.events))
	copy(out, b.events)
	return out
}

func (b *recordingBroadcaster) ofType(typ string) []recordedEvent {
	var out []recordedEvent
	for _, r := range b.all() {
		if r.event.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// fakeIssuer issues numbered tokens: tok-1/sess-1, tok-2/sess-2, ...
type fakeIssuer struct {
	mu  sync.Mutex
	n   int
	err error
}

func (f *fakeIssuer) Issue(context.Context) (*SessionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	return &SessionToken{
		Token: &oauth2.Token{
			AccessToken: fmt.Sprintf("tok-%d", f.n),
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		},
		SessionID: fmt.Sprintf("sess-%d", f.n),
	}, nil
}

func (f *fakeIssuer) issued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// relayFixture wires a Relay against SQLite, a MockStreamer and a
// recording broadcaster.
type relayFixture struct {
	db          *gorm.DB
	relay       *Relay
	streamer    *MockStreamer
	broadcaster *recordingBroadcaster
	issuer      *fakeIssuer
	tokens      *TokenCache
}

func newRelayFixture(t *testing.T, maxAttempts int, turns ...Turn) *relayFixture {
	t.Helper()
	db := testDB(t)
	issuer := &fakeIssuer{}
	tokens, err := NewTokenCache(TokenCacheOpts{DB: db, Issuer: issuer})
	if err != nil {
		t.Fatalf("NewTokenCache: %v", err)
	}
	identity, err := NewIdentityProvider(IdentityProviderOpts{DB: db})
	if err != nil {
		t.Fatalf("NewIdentityProvider: %v", err)
	}
	broadcaster := &recordingBroadcaster{}
	publisher, err := NewPublisher(PublisherOpts{DB: db, Identity: identity, Broadcaster: broadcaster})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	streamer := NewMockStreamer(tokens, turns...)
	r, err := New(Opts{
		Identity:    identity,
		Publisher:   publisher,
		Streamer:    streamer,
		Sessions:    tokens,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &relayFixture{
		db:          db,
		relay:       r,
		streamer:    streamer,
		broadcaster: broadcaster,
		issuer:      issuer,
		tokens:      tokens,
	}
}

// reply scripts a successful turn that answers with the given final texts.
func reply(texts ...string) Turn {
	var events []Event
	for _, s := range texts {
		events = append(events, Event{Kind: EventFinal, Text: s})
	}
	events = append(events, Event{Kind: EventInteractionEnd})
	return Turn{Events: events}
}

// failWith scripts a turn whose stream reports err.
func failWith(err error) Turn {
	return Turn{Events: []Event{{Kind: EventError, Err: err}}}
}
