package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Supported broker drivers.
const (
	DriverGoChannel = "gochannel"
	DriverAMQP      = "amqp"
)

// metadataEventType carries the event type in message metadata so
// consumers can filter without decoding the payload.
const metadataEventType = "event_type"

// BrokerOpts holds parameters for creating a Broker.
type BrokerOpts struct {
	Driver  string // "gochannel" (default) or "amqp"
	AMQPURL string
	Logger  *slog.Logger
}

// Broker publishes and subscribes to group topics and work queues.
//
// Group topics fan out: every subscriber sees every event. Work queues are
// shared: with the amqp driver each message is delivered to one consumer
// across all instances.
type Broker struct {
	logger watermill.LoggerAdapter

	fanout message.Publisher
	queue  message.Publisher
	shared message.Subscriber

	// subscribeFanout opens a fan-out subscription that ends with ctx.
	subscribeFanout func(ctx context.Context, topic string) (<-chan *message.Message, error)

	closers []func() error
}

// NewBroker creates a broker for the configured driver.
func NewBroker(opts BrokerOpts) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)

	switch opts.Driver {
	case "", DriverGoChannel:
		return newGoChannelBroker(wlog), nil
	case DriverAMQP:
		if opts.AMQPURL == "" {
			return nil, fmt.Errorf("pubsub: amqp url is required")
		}
		return newAMQPBroker(opts.AMQPURL, wlog)
	default:
		return nil, fmt.Errorf("pubsub: unsupported driver %q", opts.Driver)
	}
}

func newGoChannelBroker(wlog watermill.LoggerAdapter) *Broker {
	// Blocking until ack keeps a group's events in publish order.
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, wlog)
	return &Broker{
		logger:          wlog,
		fanout:          gc,
		queue:           gc,
		shared:          gc,
		subscribeFanout: gc.Subscribe,
		closers:         []func() error{gc.Close},
	}
}

func newAMQPBroker(url string, wlog watermill.LoggerAdapter) (*Broker, error) {
	fanoutCfg := amqp.NewNonDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix("publisher"))
	fanout, err := amqp.NewPublisher(fanoutCfg, wlog)
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp publisher: %w", err)
	}

	queueCfg := amqp.NewDurableQueueConfig(url)
	queue, err := amqp.NewPublisher(queueCfg, wlog)
	if err != nil {
		_ = fanout.Close()
		return nil, fmt.Errorf("pubsub: amqp queue publisher: %w", err)
	}
	shared, err := amqp.NewSubscriber(queueCfg, wlog)
	if err != nil {
		_ = fanout.Close()
		_ = queue.Close()
		return nil, fmt.Errorf("pubsub: amqp queue subscriber: %w", err)
	}

	subscribe := func(ctx context.Context, topic string) (<-chan *message.Message, error) {
		// Each fan-out subscription gets its own exclusive queue.
		cfg := amqp.NewNonDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(uuid.NewString()))
		sub, err := amqp.NewSubscriber(cfg, wlog)
		if err != nil {
			return nil, fmt.Errorf("pubsub: amqp subscriber: %w", err)
		}
		ch, err := sub.Subscribe(ctx, topic)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
		return ch, nil
	}

	return &Broker{
		logger:          wlog,
		fanout:          fanout,
		queue:           queue,
		shared:          shared,
		subscribeFanout: subscribe,
		closers:         []func() error{shared.Close, queue.Close, fanout.Close},
	}, nil
}

// Broadcast publishes evt on the group's topic. It returns ctx's error if
// ctx ends before the driver accepts the event.
func (b *Broker) Broadcast(ctx context.Context, groupID uint, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s event: %w", evt.Type, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEventType, evt.Type)
	if err := b.publish(ctx, b.fanout, GroupTopic(groupID), msg); err != nil {
		return fmt.Errorf("pubsub: publish %s to group %d: %w", evt.Type, groupID, err)
	}
	return nil
}

// publish runs pub.Publish until it returns or ctx ends. An abandoned
// publish finishes in the background once its subscribers ack or close.
func (b *Broker) publish(ctx context.Context, pub message.Publisher, topic string, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- pub.Publish(topic, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue publishes a JSON payload on a shared work queue.
func (b *Broker) Enqueue(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s payload: %w", topic, err)
	}
	if err := b.publish(ctx, b.queue, topic, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		return fmt.Errorf("pubsub: enqueue %s: %w", topic, err)
	}
	return nil
}

// Consume subscribes to a shared work queue. Callers must Ack or Nack
// every message.
func (b *Broker) Consume(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.shared.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub: consume %s: %w", topic, err)
	}
	return ch, nil
}

// subscriberBuffer bounds how far a subscriber may lag behind its group.
const subscriberBuffer = 64

// Subscribe streams decoded events for a group until ctx is done. Messages
// that fail to decode are acked and dropped. A subscriber that falls more
// than subscriberBuffer events behind is closed so publishers on its group
// never wait on it; the returned channel is closed after its buffered
// events.
func (b *Broker) Subscribe(ctx context.Context, groupID uint) (<-chan Event, error) {
	topic := GroupTopic(groupID)
	subCtx, cancel := context.WithCancel(ctx)
	in, err := b.subscribeFanout(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer cancel()
		for msg := range in {
			evt, err := DecodeEvent(msg.Payload)
			msg.Ack()
			if err != nil {
				b.logger.Error("dropping undecodable event", err, watermill.LogFields{"topic": topic, "uuid": msg.UUID})
				continue
			}
			select {
			case out <- evt:
			case <-subCtx.Done():
				return
			default:
				b.logger.Info("closing lagging subscriber", watermill.LogFields{"topic": topic, "buffer": subscriberBuffer})
				cancel()
				for m := range in {
					m.Ack()
				}
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the driver's publishers and subscribers.
func (b *Broker) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
