package relay

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Turn scripts one stream opened by a MockStreamer.
type Turn struct {
	OpenErr error   // returned from Open
	SendErr error   // returned from Send
	Events  []Event // yielded by Events
}

// MockStreamer implements Streamer for testing. Each Open consumes the next
// scripted Turn and records the request, the session id it was issued and
// every text sent.
type MockStreamer struct {
	mu       sync.Mutex
	tokens   TokenSource
	turns    []Turn
	opened   []OpenRequest
	sessions []string
	sent     []string
	closed   int
}

// NewMockStreamer creates a MockStreamer. When tokens is non-nil, Open
// fetches a session token first, as a real client would.
func NewMockStreamer(tokens TokenSource, turns ...Turn) *MockStreamer {
	return &MockStreamer{tokens: tokens, turns: turns}
}

// Script appends turns to the queue.
func (m *MockStreamer) Script(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Open consumes the next scripted turn.
func (m *MockStreamer) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if m.tokens != nil {
		tok, err := m.tokens.Token(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions = append(m.sessions, tok.SessionID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, req)
	if len(m.turns) == 0 {
		return nil, fmt.Errorf("mock streamer: no scripted turn")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	if turn.OpenErr != nil {
		return nil, turn.OpenErr
	}
	return &mockStream{parent: m, turn: turn}, nil
}

// Opened returns a copy of every OpenRequest received.
func (m *MockStreamer) Opened() []OpenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenRequest, len(m.opened))
	copy(out, m.opened)
	return out
}

// Sessions returns the session ids issued to each Open, in order.
func (m *MockStreamer) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Sent returns every text passed to Send, in order.
func (m *MockStreamer) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// Closed returns how many streams were closed.
func (m *MockStreamer) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockStream struct {
	parent *MockStreamer
	turn   Turn
	once   sync.Once
}

func (s *mockStream) Send(ctx context.Context, text string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.sent = append(s.parent.sent, text)
	return s.turn.SendErr
}

func (s *mockStream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for _, evt := range s.turn.Events {
			if !yield(evt) {
				return
			}
		}
	}
}

func (s *mockStream) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		s.parent.closed++
		s.parent.mu.Unlock()
	})
	return nil
}
