package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/slaflow/transport"
	"github.com/drblury/slaflow/transport/transporttest"
)

func withFactories(t *testing.T, pub message.Publisher, pubErr error, sub message.Subscriber, subErr error) *kafka.SubscriberConfig {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	var subCfg kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		return pub, pubErr
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return sub, subErr
	}
	return &subCfg
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("maps topics and sets consumer group", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		subCfg := withFactories(t, pub, nil, sub, nil)

		tr, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "detectors",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "detectors", subCfg.ConsumerGroup)

		require.NoError(t, tr.Publisher.Publish("iot/deliveries/events", message.NewMessage("1", nil)))
		assert.Len(t, pub.Messages("iot.deliveries.events"), 1)
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		subCfg := withFactories(t, &transporttest.Publisher{}, nil, &transporttest.Subscriber{}, nil)

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultConsumerGroup, subCfg.ConsumerGroup)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrNoBrokers)
	})

	t.Run("publisher factory fails", func(t *testing.T) {
		withFactories(t, nil, errors.New("publisher error"), nil, nil)

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber factory fails and closes the publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		withFactories(t, pub, nil, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
