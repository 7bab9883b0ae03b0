// Package nats carries the raw and violation topics over NATS core. Topics
// become dot-separated subjects, so "iot/deliveries/raw" is published on
// "iot.deliveries.raw" and a "iot.deliveries.>" wildcard still matches.
//
// Core NATS has no broker-side acknowledgement: a record published while no
// detector is subscribed is gone, and a nack does not redeliver. Use
// EVENT_BUS=jetstream when the raw topic must survive restarts. The risk bus
// is a separate connection owned by the riskbus package.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/slaflow/transport"
)

// TransportName is the EVENT_BUS value for this transport.
const TransportName = "nats"

// QueueGroup is shared by every slaflow replica, so a record on a subject is
// handled by one detector (or one enricher) rather than by all of them.
const QueueGroup = "slaflow"

var ErrURLRequired = errors.New("nats: EVENT_NATS_URL is required")

// TopicMapper turns slash-separated topics into dot-separated subjects.
var TopicMapper = transport.SeparatorMapper(".")

// PublisherFactory builds the publisher. Tests replace it.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory builds the subscriber. Tests replace it.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects a publisher and a queue-group subscriber to EVENT_NATS_URL.
// JetStream is switched off in the watermill adapter; one subscriber per
// subject keeps records in publish order.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrURLRequired
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}
	options := []natsgo.Option{natsgo.Name("slaflow-events"), natsgo.MaxReconnects(-1)}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: QueueGroup,
		SubscribersCount: 1,
		NatsOptions:      options,
		Unmarshaler:      marshaler,
		JetStream:        core,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}.WithTopicMapper(TopicMapper), nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
