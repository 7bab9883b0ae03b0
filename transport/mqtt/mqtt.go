// Package mqtt provides the MQTT event-bus transport. One paho client
// serves both directions; it is the default transport because the
// delivery telemetry producers publish over MQTT.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/drblury/slaflow/internal/runtime/ids"
	"github.com/drblury/slaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

// Metadata keys set on every received message.
const (
	MetadataTopic     = "mqtt_topic"
	MetadataQoS       = "mqtt_qos"
	MetadataRetained  = "mqtt_retained"
	MetadataDuplicate = "mqtt_duplicate"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultOperationTimeout = 10 * time.Second
	disconnectQuiesceMillis = 250
)

var (
	ErrClosed        = errors.New("mqtt: transport is closed")
	ErrWildcardTopic = errors.New("mqtt: cannot publish to a wildcard topic")
)

// ClientFactory allows overriding the paho client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the MQTT transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// Build connects to the broker and returns a transport whose publisher and
// subscriber share the connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps, err := NewPubSub(Config{
		Host:     cfg.GetMQTTHost(),
		Port:     cfg.GetMQTTPort(),
		QoS:      cfg.GetMQTTQoS(),
		Retain:   cfg.GetMQTTRetain(),
		ClientID: cfg.GetMQTTClientID(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}

// Config holds the connection and delivery settings.
type Config struct {
	Host     string
	Port     int
	QoS      byte
	Retain   bool
	ClientID string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// BrokerURL returns the tcp:// address paho dials.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

func (c Config) validate() error {
	if c.Host == "" {
		return errors.New("mqtt: host is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// PubSub is a watermill Publisher and Subscriber over one MQTT client.
//
// paho dispatches in arrival order and each subscription queues what it
// receives, so messages of one subscription reach watermill one at a time
// and in broker order without blocking paho's router. The broker
// acknowledgement (QoS 1/2) is sent only after the handler acked or nacked.
// MQTT has no redelivery on nack; a nacked message is logged and dropped.
// MQTT 3.1.1 carries no headers, so outgoing metadata is not transmitted.
type PubSub struct {
	cfg    Config
	logger watermill.LoggerAdapter
	client paho.Client

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewPubSub creates the client and waits for the initial connection.
func NewPubSub(cfg Config, logger watermill.LoggerAdapter) (*PubSub, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	ps := &PubSub{
		cfg:    cfg,
		logger: logger.With(watermill.LogFields{"broker": cfg.BrokerURL(), "client_id": cfg.ClientID}),
		subs:   make(map[*subscription]struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(ps.onConnect).
		SetConnectionLostHandler(ps.onConnectionLost)

	ps.client = ClientFactory(opts)
	if err := wait(ps.client.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.BrokerURL(), err)
	}
	ps.logger.Info("Connected to MQTT broker", nil)
	return ps, nil
}

// Publish sends each message payload with the configured QoS and retain
// flag and waits for the broker to confirm it.
func (ps *PubSub) Publish(topic string, messages ...*message.Message) error {
	if ps.isClosed() {
		return ErrClosed
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrWildcardTopic, topic)
	}

	for _, msg := range messages {
		token := ps.client.Publish(topic, ps.cfg.QoS, ps.cfg.Retain, []byte(msg.Payload))
		if err := wait(token, ps.cfg.OperationTimeout); err != nil {
			return fmt.Errorf("publish %s to %q: %w", msg.UUID, topic, err)
		}
		ps.logger.Trace("Published MQTT message", watermill.LogFields{"topic": topic, "uuid": msg.UUID})
	}
	return nil
}

// Subscribe subscribes to an MQTT topic filter. The returned channel is
// closed when ctx is done or the PubSub is closed.
func (ps *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newSubscription(ctx, topic, ps.logger)
	ps.subs[sub] = struct{}{}
	ps.mu.Unlock()

	if err := wait(ps.client.Subscribe(topic, ps.cfg.QoS, sub.handle), ps.cfg.OperationTimeout); err != nil {
		ps.forget(sub)
		sub.stop()
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	ps.logger.Info("Subscribed to MQTT topic", watermill.LogFields{"topic": topic})

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		if ps.forget(sub) {
			if token := ps.client.Unsubscribe(topic); !token.WaitTimeout(ps.cfg.OperationTimeout) {
				ps.logger.Info("MQTT unsubscribe timed out", watermill.LogFields{"topic": topic})
			}
		}
		sub.stop()
	}()

	return sub.out, nil
}

// Close stops every subscription and disconnects. It is safe to call twice.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := make([]*subscription, 0, len(ps.subs))
	for sub := range ps.subs {
		subs = append(subs, sub)
	}
	ps.subs = map[*subscription]struct{}{}
	ps.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	ps.client.Disconnect(disconnectQuiesceMillis)
	ps.logger.Info("Disconnected from MQTT broker", nil)
	return nil
}

func (ps *PubSub) isClosed() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.closed
}

// forget removes sub and reports whether it was still registered.
func (ps *PubSub) forget(sub *subscription) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.subs[sub]; !ok {
		return false
	}
	delete(ps.subs, sub)
	return true
}

// onConnect restores subscriptions after a reconnect. With a clean session
// the broker forgets them when the connection drops.
func (ps *PubSub) onConnect(client paho.Client) {
	ps.mu.Lock()
	subs := make([]*subscription, 0, len(ps.subs))
	for sub := range ps.subs {
		subs = append(subs, sub)
	}
	ps.mu.Unlock()

	for _, sub := range subs {
		if err := wait(client.Subscribe(sub.topic, ps.cfg.QoS, sub.handle), ps.cfg.OperationTimeout); err != nil {
			ps.logger.Error("Cannot restore MQTT subscription", err, watermill.LogFields{"topic": sub.topic})
			continue
		}
		ps.logger.Debug("Restored MQTT subscription", watermill.LogFields{"topic": sub.topic})
	}
}

func (ps *PubSub) onConnectionLost(_ paho.Client, err error) {
	ps.logger.Error("MQTT connection lost, reconnecting", err, nil)
}

type subscription struct {
	ctx    context.Context
	topic  string
	logger watermill.LoggerAdapter
	out    chan *message.Message
	done   chan struct{}

	// pending holds messages in broker arrival order until the drain
	// goroutine hands them to watermill.
	mu      sync.Mutex
	pending []paho.Message
	stopped bool
	wake    chan struct{}

	drained  chan struct{}
	stopOnce sync.Once
}

func newSubscription(ctx context.Context, topic string, logger watermill.LoggerAdapter) *subscription {
	s := &subscription{
		ctx:     ctx,
		topic:   topic,
		logger:  logger.With(watermill.LogFields{"topic": topic}),
		out:     make(chan *message.Message),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go s.drain()
	return s
}

// handle is the paho callback. paho calls it sequentially on its router
// goroutine, so it only queues the message and returns.
func (s *subscription) handle(_ paho.Client, m paho.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, m)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() {
	defer close(s.drained)
	for {
		m, ok := s.next()
		if !ok {
			return
		}
		if !s.deliver(m) {
			return
		}
	}
}

// next blocks until a queued message is available or the subscription ends.
func (s *subscription) next() (paho.Message, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			m := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return m, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return nil, false
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

// deliver hands m to watermill and acknowledges it to the broker once the
// handler acked or nacked. It reports false when the subscription ended
// first; the broker ack is then withheld.
func (s *subscription) deliver(m paho.Message) bool {
	msg := message.NewMessage(ids.New(), m.Payload())
	msg.Metadata.Set(MetadataTopic, m.Topic())
	msg.Metadata.Set(MetadataQoS, strconv.Itoa(int(m.Qos())))
	msg.Metadata.Set(MetadataRetained, strconv.FormatBool(m.Retained()))
	msg.Metadata.Set(MetadataDuplicate, strconv.FormatBool(m.Duplicate()))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	msg.SetContext(ctx)

	select {
	case s.out <- msg:
	case <-s.done:
		return false
	case <-s.ctx.Done():
		return false
	}

	select {
	case <-msg.Acked():
		s.logger.Trace("MQTT message acked", watermill.LogFields{"uuid": msg.UUID})
	case <-msg.Nacked():
		s.logger.Info("MQTT message nacked, broker cannot redeliver so it is dropped", watermill.LogFields{
			"uuid":       msg.UUID,
			"mqtt_topic": m.Topic(),
		})
	case <-s.done:
		return false
	}
	m.Ack()
	return true
}

// stop closes the output channel once the drain goroutine returned.
// Messages still queued are not acknowledged.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		<-s.drained
		close(s.out)
	})
}

// wait turns a paho token into an error, treating a timeout as a failure.
func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("no broker response after %s", timeout)
	}
	return token.Error()
}
