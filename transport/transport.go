// Package transport holds the registry of event-bus transports. Each
// broker lives in its own sub-package and registers a Builder under the
// name used by the EVENT_BUS setting.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher/subscriber pair of one event-bus connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and the publisher. When both sides are the
// same value (an in-memory pub/sub, a single MQTT client) it is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Publisher != nil && !sameInstance(t.Publisher, t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shared reports whether the publisher and the subscriber are one client.
func (t Transport) Shared() bool { return sameInstance(t.Publisher, t.Subscriber) }

func sameInstance(pub message.Publisher, sub message.Subscriber) bool {
	if sub == nil {
		return false
	}
	s, ok := sub.(message.Publisher)
	if !ok {
		return false
	}
	defer func() { _ = recover() }()
	return s == pub
}

// Builder creates a transport from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the slice of configuration a transport may read. It keeps the
// broker packages independent from the config package.
type Config interface {
	GetPubSubSystem() string

	// MQTT
	GetMQTTHost() string
	GetMQTTPort() int
	GetMQTTQoS() byte
	GetMQTTRetain() bool
	GetMQTTClientID() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS (event bus, not the risk bus)
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
