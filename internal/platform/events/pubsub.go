package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/commerce/internal/domain"
)

// PubSubPublisher relays outbox events to a single Pub/Sub topic. The outbox topic travels as the
// eventType attribute so subscribers can filter.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher wraps an existing topic handle.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

// Publish blocks until the server acknowledges the message.
func (p *PubSubPublisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       event.Payload,
		Attributes: attributes(event),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.Topic, err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func attributes(event domain.OutboxEvent) map[string]string {
	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "eventType", event.Topic)
	setAttr(attrs, aggregateAttribute(event.Topic), event.Key)
	return attrs
}

// aggregateAttribute names the key attribute after the aggregate the event belongs to.
func aggregateAttribute(topic string) string {
	switch {
	case strings.HasPrefix(topic, "order."):
		return "orderCode"
	case strings.HasPrefix(topic, "stock."):
		return "productId"
	default:
		return "key"
	}
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
