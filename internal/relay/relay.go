// Package relay turns group chat messages into bot replies. It opens a
// streaming session with the remote AI service, folds the streamed packets
// into one message and publishes it to the group, recovering from stale
// remote sessions along the way.
package relay

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultMaxAttempts bounds how many times one message is sent to the
// remote service when its session keeps going stale.
const DefaultMaxAttempts = 3

// IncomingMessage is a user message that should get a bot reply.
type IncomingMessage struct {
	GroupID  uint   `json:"group_id"`
	Content  string `json:"content"`
	UserName string `json:"user_name"`
}

// SessionInvalidator forgets a group's remote session. TokenCache
// implements it.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, groupID uint) error
}

// Relay runs the bot pipeline for incoming messages.
type Relay struct {
	identity    BotResolver
	publisher   *Publisher
	streamer    Streamer
	sessions    SessionInvalidator
	maxAttempts int
	logger      *slog.Logger
	locks       *groupLocks
}

// Opts holds parameters for creating a Relay.
type Opts struct {
	Identity    BotResolver
	Publisher   *Publisher
	Streamer    Streamer
	Sessions    SessionInvalidator
	MaxAttempts int // defaults to DefaultMaxAttempts
	Logger      *slog.Logger
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("relay: identity is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("relay: publisher is required")
	}
	if opts.Streamer == nil {
		return nil, fmt.Errorf("relay: streamer is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("relay: sessions is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		identity:    opts.Identity,
		publisher:   opts.Publisher,
		streamer:    opts.Streamer,
		sessions:    opts.Sessions,
		maxAttempts: maxAttempts,
		logger:      logger,
		locks:       newGroupLocks(),
	}, nil
}

// OnReceiveMessage produces the bot's reply to msg. The group sees one
// typing indicator followed by either the reply or a visible error message.
// Aborted and cancelled interactions publish nothing further. Failures are
// logged, never returned.
func (r *Relay) OnReceiveMessage(ctx context.Context, msg IncomingMessage) {
	log := r.logger.With("group_id", msg.GroupID)

	unlock, err := r.locks.lock(ctx, msg.GroupID)
	if err != nil {
		log.Debug("turn dropped while waiting for group", "err", err)
		return
	}
	defer unlock()

	if _, err := r.identity.Bot(ctx); err != nil {
		log.Error("resolve bot account", "err", err)
		return
	}
	if err := r.publisher.AnnounceTyping(ctx, msg.GroupID); err != nil {
		log.Warn("announce typing", "err", err)
	}

	for attempt := 1; ; attempt++ {
		err := r.runTurn(ctx, msg)
		if err == nil {
			return
		}

		c := Classify(err)
		switch c.Kind {
		case KindAborted, KindCancelled:
			log.Debug("interaction ended without reply", "kind", c.Kind, "err", err)
			return

		case KindStaleSession:
			log.Info("remote session is stale", "attempt", attempt, "detail", c.Detail)
			if ierr := r.sessions.Invalidate(ctx, msg.GroupID); ierr != nil {
				r.reportError(ctx, log, msg.GroupID, ierr.Error())
				return
			}
			if attempt >= r.maxAttempts {
				r.reportError(ctx, log, msg.GroupID,
					fmt.Sprintf("session still stale after %d attempts: %s", attempt, c.Detail))
				return
			}

		default:
			log.Warn("interaction failed", "attempt", attempt, "err", err)
			r.reportError(ctx, log, msg.GroupID, c.Detail)
			return
		}
	}
}

// runTurn sends msg over a fresh stream and publishes the folded reply.
// Only streaming failures are returned; publish failures are logged.
func (r *Relay) runTurn(ctx context.Context, msg IncomingMessage) error {
	stream, err := r.streamer.Open(ctx, OpenRequest{GroupID: msg.GroupID, UserName: msg.UserName})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.logger.Debug("close stream", "group_id", msg.GroupID, "err", cerr)
		}
	}()

	if err := stream.Send(ctx, msg.Content); err != nil {
		return err
	}

	res := collect(stream.Events())
	if res.err != nil {
		return res.err
	}

	if _, err := r.publisher.Publish(ctx, msg.GroupID, res.text); err != nil {
		r.logger.Error("publish reply", "group_id", msg.GroupID, "err", err)
	}
	return nil
}

// reportError publishes a visible error message to the group.
func (r *Relay) reportError(ctx context.Context, log *slog.Logger, groupID uint, detail string) {
	if _, err := r.publisher.Publish(ctx, groupID, VisibleError(detail)); err != nil {
		log.Error("publish error message", "detail", detail, "err", err)
	}
}
