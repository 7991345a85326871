package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher publishes JSON jobs to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher returns a publisher for topicID.
func NewPubSubPublisher(client *pubsub.Client, topicID string) *PubSubPublisher {
	return &PubSubPublisher{topic: client.Topic(topicID)}
}

// Publish encodes v and waits until the server has accepted it.
func (p *PubSubPublisher) Publish(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := p.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic.ID(), err)
	}
	return nil
}

// Stop flushes outstanding messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// ConsumerConfig tunes a Pub/Sub consumer.
type ConsumerConfig struct {
	// AckDeadline is how long a message may stay unacknowledged before
	// the server redelivers it.
	AckDeadline time.Duration
	JobTimeout  time.Duration
	// MaxDeliveries is logged against the delivery attempt. The ceiling
	// itself is the subscription's dead-letter policy.
	MaxDeliveries int
}

// PubSubConsumer feeds messages of one subscription to a handler, one at a time.
type PubSubConsumer struct {
	sub    *pubsub.Subscription
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewPubSubConsumer returns a consumer for subscriptionID.
func NewPubSubConsumer(client *pubsub.Client, subscriptionID string, cfg ConsumerConfig, logger *slog.Logger) *PubSubConsumer {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	if cfg.AckDeadline > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.AckDeadline
	}
	return &PubSubConsumer{sub: sub, cfg: cfg, logger: logger}
}

// Consume receives until ctx is done. Failed messages are nacked.
func (c *PubSubConsumer) Consume(ctx context.Context, h Handler) error {
	c.logger.Info("Consuming subscription", "subscription", c.sub.ID())
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		attempt := 1
		if msg.DeliveryAttempt != nil {
			attempt = *msg.DeliveryAttempt
		}
		if err := handle(ctx, h, msg.Data, c.cfg.JobTimeout); err != nil {
			level := slog.LevelWarn
			if attempt >= c.cfg.MaxDeliveries {
				level = slog.LevelError
			}
			c.logger.Log(ctx, level, "Message handling failed",
				"subscription", c.sub.ID(),
				"message_id", msg.ID,
				"delivery_attempt", attempt,
				"max_deliveries", c.cfg.MaxDeliveries,
				"error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive from %s: %w", c.sub.ID(), err)
	}
	return nil
}
