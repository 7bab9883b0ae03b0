package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetMQTTHost() string           { return "" }
func (m *mockConfig) GetMQTTPort() int              { return 0 }
func (m *mockConfig) GetMQTTQoS() byte              { return 0 }
func (m *mockConfig) GetMQTTRetain() bool           { return false }
func (m *mockConfig) GetMQTTClientID() string       { return "" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct {
	closed int
	err    error
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed++
	return m.err
}

type mockSubscriber struct {
	closed int
	err    error
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return m.err
}

// mockPubSub is one value serving both sides, like gochannel.
type mockPubSub struct {
	mockSubscriber
}

func (m *mockPubSub) Publish(topic string, messages ...*message.Message) error { return nil }

func TestRegistry_RegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	pub := &mockPublisher{}
	sub := &mockSubscriber{}

	reg.Register("test", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub, Subscriber: sub}, nil
	})

	assert.True(t, reg.Has("test"))
	assert.False(t, reg.Has("other"))

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func TestRegistry_BuildErrors(t *testing.T) {
	reg := NewRegistry()

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrConfigRequired)
	})

	t.Run("unknown transport lists registered names", func(t *testing.T) {
		reg.Register("mqtt", nil)
		reg.Register("kafka", nil)

		_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "zeromq"}, nil)
		require.ErrorIs(t, err, ErrUnknownTransport)
		assert.Contains(t, err.Error(), `"zeromq"`)
		assert.Contains(t, err.Error(), "[kafka mqtt]")
	})

	t.Run("builder failure is wrapped with the name", func(t *testing.T) {
		boom := errors.New("broker unreachable")
		reg.Register("broken", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
			return Transport{}, boom
		})

		_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "broken"}, nil)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "build broken transport")
	})
}

func TestRegistry_BuildDefaultsLogger(t *testing.T) {
	reg := NewRegistry()
	var got watermill.LoggerAdapter
	reg.Register("test", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		got = logger
		return Transport{}, nil
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRegistry_CapabilitiesAndNames(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("rabbitmq", nil, RabbitMQCapabilities)
	reg.Register("channel", nil)

	assert.Equal(t, RabbitMQCapabilities, reg.GetCapabilities("rabbitmq"))
	assert.Equal(t, Capabilities{Name: "channel"}, reg.GetCapabilities("channel"))
	assert.Equal(t, []string{"channel", "rabbitmq"}, reg.Names())
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()
	DefaultRegistry = NewRegistry()

	Register("a", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, nil
	})
	RegisterWithCapabilities("b", nil, ChannelCapabilities)

	assert.True(t, DefaultRegistry.Has("a"))
	assert.Equal(t, ChannelCapabilities, GetCapabilities("b"))

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "a"}, nil)
	assert.NoError(t, err)
}

func TestTransport_Close(t *testing.T) {
	t.Run("closes both sides", func(t *testing.T) {
		pub := &mockPublisher{}
		sub := &mockSubscriber{}
		require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
		assert.Equal(t, 1, pub.closed)
		assert.Equal(t, 1, sub.closed)
	})

	t.Run("shared instance closed once", func(t *testing.T) {
		ps := &mockPubSub{}
		require.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
		assert.Equal(t, 1, ps.closed)
	})

	t.Run("joins errors", func(t *testing.T) {
		pubErr := errors.New("pub")
		subErr := errors.New("sub")
		err := Transport{Publisher: &mockPublisher{err: pubErr}, Subscriber: &mockSubscriber{err: subErr}}.Close()
		assert.ErrorIs(t, err, pubErr)
		assert.ErrorIs(t, err, subErr)
	})

	t.Run("empty transport", func(t *testing.T) {
		assert.NoError(t, Transport{}.Close())
	})
}

func TestTransport_Shared(t *testing.T) {
	ps := &mockPubSub{}
	assert.True(t, Transport{Publisher: ps, Subscriber: ps}.Shared())
	assert.False(t, Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}.Shared())
	assert.False(t, Transport{Publisher: ps}.Shared())
}
