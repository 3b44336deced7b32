package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alitto/pond/v2"
)

// DefaultInboundTopic is the work queue carrying IncomingMessage payloads.
const DefaultInboundTopic = "bot.inbound"

// Consumer subscribes to a shared work queue. pubsub.Broker implements it.
type Consumer interface {
	Consume(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Handler processes one incoming message. Relay implements it.
type Handler interface {
	OnReceiveMessage(ctx context.Context, msg IncomingMessage)
}

// Listener feeds queued incoming messages to a Handler on a bounded
// worker pool.
type Listener struct {
	consumer Consumer
	handler  Handler
	topic    string
	workers  int
	logger   *slog.Logger
}

// ListenerOpts holds parameters for creating a Listener.
type ListenerOpts struct {
	Consumer Consumer
	Handler  Handler
	Topic    string // defaults to DefaultInboundTopic
	Workers  int    // defaults to 8
	Logger   *slog.Logger
}

// NewListener creates a Listener.
func NewListener(opts ListenerOpts) (*Listener, error) {
	if opts.Consumer == nil {
		return nil, fmt.Errorf("relay: listener: consumer is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("relay: listener: handler is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultInboundTopic
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		consumer: opts.Consumer,
		handler:  opts.Handler,
		topic:    topic,
		workers:  workers,
		logger:   logger,
	}, nil
}

// Run consumes the inbound topic until ctx is done, then waits for
// in-flight turns to finish. Handlers see ctx, so shutdown cancels them.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.consumer.Consume(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("relay: listener: %w", err)
	}

	pool := pond.NewPool(l.workers)
	defer pool.StopAndWait()

	l.logger.Info("relay listening", "topic", l.topic, "workers", l.workers)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var in IncomingMessage
			if err := json.Unmarshal(msg.Payload, &in); err != nil {
				l.logger.Warn("dropping malformed inbound message", "uuid", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			pool.Submit(func() {
				l.handler.OnReceiveMessage(ctx, in)
			})
		}
	}
}
