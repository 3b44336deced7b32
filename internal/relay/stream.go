package relay

import (
	"context"
	"iter"
	"strings"
)

// EventKind identifies a streamed packet from the remote AI service.
type EventKind int

const (
	// EventPartial is an intermediate text fragment. It is discarded.
	EventPartial EventKind = iota
	// EventFinal is a finalized text fragment to accumulate.
	EventFinal
	// EventInteractionEnd marks the end of the bot's turn.
	EventInteractionEnd
	// EventError carries a remote or transport failure in Err.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventInteractionEnd:
		return "interaction_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one packet of a streaming interaction.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// OpenRequest describes the session to open for a turn.
type OpenRequest struct {
	GroupID  uint
	UserName string
}

// Streamer opens interactive sessions with the remote AI service.
type Streamer interface {
	// Open starts a session for the group. Implementations obtain session
	// tokens through the TokenSource they were built with.
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// Stream is one open interactive session.
type Stream interface {
	// Send submits a user utterance.
	Send(ctx context.Context, text string) error
	// Events yields packets until InteractionEnd or Error, then stops.
	Events() iter.Seq[Event]
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// TokenSource supplies session tokens to a Streamer. TokenCache implements it.
type TokenSource interface {
	Token(ctx context.Context, groupID uint) (*SessionToken, error)
}

// Capabilities are the session features requested from the remote service.
// The relay only handles text, so all are disabled.
type Capabilities struct {
	Audio         bool `json:"audio"`
	Emotions      bool `json:"emotions"`
	Interruptions bool `json:"interruptions"`
}

// turnResult is the folded outcome of one stream.
type turnResult struct {
	text string
	err  error
}

// collect folds a stream's events. Only final fragments are kept; they are
// joined with newlines once InteractionEnd arrives. A sequence that stops
// without InteractionEnd or Error yields errStreamEnded.
func collect(events iter.Seq[Event]) turnResult {
	var parts []string
	for evt := range events {
		switch evt.Kind {
		case EventFinal:
			parts = append(parts, evt.Text)
		case EventInteractionEnd:
			return turnResult{text: strings.Join(parts, "\n")}
		case EventError:
			if evt.Err == nil {
				return turnResult{err: errUnknownStreamError}
			}
			return turnResult{err: evt.Err}
		}
	}
	return turnResult{err: errStreamEnded}
}
