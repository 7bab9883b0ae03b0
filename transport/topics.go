package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// TopicMapper rewrites the pipeline's MQTT-style topic names
// ("iot/deliveries/raw") for brokers with a stricter naming scheme.
type TopicMapper func(topic string) string

// SeparatorMapper returns a mapper replacing every '/' with sep.
func SeparatorMapper(sep string) TopicMapper {
	return func(topic string) string {
		return strings.ReplaceAll(topic, "/", sep)
	}
}

// WithTopicMapper wraps both sides of t so they see mapped topic names.
func (t Transport) WithTopicMapper(mapper TopicMapper) Transport {
	if mapper == nil {
		return t
	}
	out := t
	if t.Publisher != nil {
		out.Publisher = &mappedPublisher{Publisher: t.Publisher, mapper: mapper}
	}
	if t.Subscriber != nil {
		out.Subscriber = &mappedSubscriber{Subscriber: t.Subscriber, mapper: mapper}
	}
	return out
}

type mappedPublisher struct {
	message.Publisher
	mapper TopicMapper
}

func (p *mappedPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(p.mapper(topic), messages...)
}

type mappedSubscriber struct {
	message.Subscriber
	mapper TopicMapper
}

func (s *mappedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, s.mapper(topic))
}
