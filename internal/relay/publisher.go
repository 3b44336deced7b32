package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/groupchat/internal/models"
	"github.com/zulandar/groupchat/internal/pubsub"
	"gorm.io/gorm"
)

// Broadcaster delivers channel events to a group's subscribers.
// pubsub.Broker implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, groupID uint, evt pubsub.Event) error
}

// BotResolver returns the bot account. IdentityProvider implements it.
type BotResolver interface {
	Bot(ctx context.Context) (*models.Account, error)
}

// DefaultBroadcastTimeout bounds a single broadcast so a stuck subscriber
// cannot hold a group's turn.
const DefaultBroadcastTimeout = 5 * time.Second

// Publisher persists bot messages and announces them to the group.
type Publisher struct {
	db               *gorm.DB
	identity         BotResolver
	broadcaster      Broadcaster
	broadcastTimeout time.Duration
}

// PublisherOpts holds parameters for creating a Publisher.
type PublisherOpts struct {
	DB               *gorm.DB
	Identity         BotResolver
	Broadcaster      Broadcaster
	BroadcastTimeout time.Duration // defaults to DefaultBroadcastTimeout
}

// NewPublisher creates a Publisher.
func NewPublisher(opts PublisherOpts) (*Publisher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: publisher: db is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("relay: publisher: identity is required")
	}
	if opts.Broadcaster == nil {
		return nil, fmt.Errorf("relay: publisher: broadcaster is required")
	}
	timeout := opts.BroadcastTimeout
	if timeout <= 0 {
		timeout = DefaultBroadcastTimeout
	}
	return &Publisher{
		db:               opts.DB,
		identity:         opts.Identity,
		broadcaster:      opts.Broadcaster,
		broadcastTimeout: timeout,
	}, nil
}

func (p *Publisher) broadcast(ctx context.Context, groupID uint, evt pubsub.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.broadcastTimeout)
	defer cancel()
	return p.broadcaster.Broadcast(ctx, groupID, evt)
}

// AnnounceTyping broadcasts a typing indicator for the bot.
func (p *Publisher) AnnounceTyping(ctx context.Context, groupID uint) error {
	bot, err := p.identity.Bot(ctx)
	if err != nil {
		return err
	}
	if err := p.broadcast(ctx, groupID, pubsub.Typing(bot)); err != nil {
		return fmt.Errorf("relay: announce typing in group %d: %w", groupID, err)
	}
	return nil
}

// Publish stores content as a bot message in the group and broadcasts it.
// Empty content is stored and broadcast like any other message. If the
// broadcast fails, the stored message is still returned with the error.
func (p *Publisher) Publish(ctx context.Context, groupID uint, content string) (*models.Message, error) {
	bot, err := p.identity.Bot(ctx)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{AuthorID: bot.ID, GroupID: groupID, Content: content}
	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("relay: store message for group %d: %w", groupID, err)
	}
	msg.Author = *bot

	if err := p.broadcast(ctx, groupID, pubsub.MessageSent(msg, bot)); err != nil {
		return msg, fmt.Errorf("relay: broadcast message %d to group %d: %w", msg.ID, groupID, err)
	}
	return msg, nil
}
