// Package jetstream provides NATS JetStream as the event bus. The raw and
// violation topics are stored in one stream and each topic is consumed
// through a durable pull consumer, so a delivery record published while the
// detect or enrich process is down is still processed after a restart.
// Publishes carry the watermill UUID as Nats-Msg-Id and are deduplicated by
// the server.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/slaflow/internal/runtime/ids"
	"github.com/drblury/slaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

// AliasName is accepted as EVENT_BUS as well.
const AliasName = "nats-jetstream"

const (
	DefaultStreamName = "SLAFLOW"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 7 * 24 * time.Hour

	fetchBatch = 10
	fetchWait  = time.Second
)

var (
	ErrURLRequired = errors.New("jetstream: EVENT_NATS_URL is required")
	ErrClosed      = errors.New("jetstream: transport is closed")
)

// SubjectMapper turns slash-separated topics into dot-separated subjects.
var SubjectMapper = transport.SeparatorMapper(".")

// StreamConfig is the optional part of transport.Config read by Build.
// Configurations without it get the defaults.
type StreamConfig interface {
	GetJetStreamStream() string
	GetJetStreamMaxDeliver() int
	GetJetStreamAckWait() time.Duration
}

// API is the part of nats.JetStreamContext the transport uses.
type API interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Fetcher is the part of a pull subscription the transport uses.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Conn is a JetStream connection.
type Conn interface {
	API
	PullSubscribe(stream, subject, durable string) (Fetcher, error)
	Close()
}

// ConnectFunc dials the server and opens the JetStream context. Tests
// replace it.
var ConnectFunc = func(url string) (Conn, error) {
	nc, err := nats.Connect(url, nats.Name("slaflow-jetstream"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &natsConn{JetStreamContext: js, nc: nc}, nil
}

type natsConn struct {
	nats.JetStreamContext
	nc *nats.Conn
}

func (c *natsConn) PullSubscribe(stream, subject, durable string) (Fetcher, error) {
	return c.JetStreamContext.PullSubscribe(subject, durable, nats.Bind(stream, durable))
}

func (c *natsConn) Close() { c.nc.Close() }

func init() {
	Register()
}

// Register registers the JetStream transport under both names.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
	transport.RegisterWithCapabilities(AliasName, Build, transport.JetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Build connects to EVENT_NATS_URL and makes sure the stream exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	conf := Config{URL: cfg.GetNATSURL()}
	if sc, ok := cfg.(StreamConfig); ok {
		conf.StreamName = sc.GetJetStreamStream()
		conf.MaxDeliver = sc.GetJetStreamMaxDeliver()
		conf.AckWait = sc.GetJetStreamAckWait()
	}

	t, err := New(conf, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

// Config holds the stream and consumer settings.
type Config struct {
	URL        string
	StreamName string
	// MaxDeliver bounds redeliveries of a message that is nacked or not
	// acked within AckWait.
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Transport is a watermill Publisher and Subscriber over one JetStream
// connection. Each subscription is drained by a single goroutine, so
// messages of a topic reach watermill in stream order, one at a time.
type Transport struct {
	conn   Conn
	cfg    Config
	logger watermill.LoggerAdapter

	ack func(*nats.Msg) error
	nak func(*nats.Msg) error

	mu      sync.Mutex
	subs    []Fetcher
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New connects and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := ConnectFunc(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to jetstream: %w", err)
	}

	t := &Transport{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With(watermill.LogFields{"stream": cfg.StreamName}),
		ack:     func(m *nats.Msg) error { return m.Ack() },
		nak:     func(m *nats.Msg) error { return m.Nak() },
		closing: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.cfg.StreamName,
		Subjects:  []string{t.cfg.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    t.cfg.MaxAge,
	}
	if _, err := t.conn.AddStream(streamCfg); err != nil {
		if _, updateErr := t.conn.UpdateStream(streamCfg); updateErr != nil {
			return fmt.Errorf("ensure stream %s: %w", t.cfg.StreamName, errors.Join(err, updateErr))
		}
	}
	return nil
}

// Subject maps a topic onto a subject of the stream.
func (t *Transport) Subject(topic string) string {
	return t.cfg.StreamName + "." + SubjectMapper(topic)
}

// Durable names the durable consumer of a topic. Consumer names may not
// contain dots or slashes.
func (t *Transport) Durable(topic string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, topic)
	return t.cfg.StreamName + "_" + name
}

// Publish stores each message in the stream and waits for the server ack.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.Subject(topic)

	for _, msg := range messages {
		out := nats.NewMsg(subject)
		out.Data = msg.Payload
		for k, v := range msg.Metadata {
			out.Header.Set(k, v)
		}
		out.Header.Set(nats.MsgIdHdr, msg.UUID)
		if _, err := t.conn.PublishMsg(out); err != nil {
			return fmt.Errorf("publish %s to %q: %w", msg.UUID, subject, err)
		}
	}
	return nil
}

// Subscribe creates or updates the durable consumer of topic and starts
// pulling from it. The channel is closed when ctx is done or the transport
// is closed. Unacked messages are redelivered after AckWait.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	subject, durable := t.Subject(topic), t.Durable(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxDeliver:    t.cfg.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.conn.AddConsumer(t.cfg.StreamName, consumerCfg); err != nil {
		if _, updateErr := t.conn.UpdateConsumer(t.cfg.StreamName, consumerCfg); updateErr != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, errors.Join(err, updateErr))
		}
	}

	fetcher, err := t.conn.PullSubscribe(t.cfg.StreamName, subject, durable)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", subject, err)
	}
	t.subs = append(t.subs, fetcher)

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.consume(ctx, fetcher, out, topic)

	t.logger.Info("Subscribed to JetStream topic", watermill.LogFields{"topic": topic, "consumer": durable})
	return out, nil
}

func (t *Transport) consume(ctx context.Context, fetcher Fetcher, out chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(out)

	logger := t.logger.With(watermill.LogFields{"topic": topic})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		default:
		}

		batch, err := fetcher.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			logger.Error("JetStream fetch failed", err, nil)
			select {
			case <-time.After(fetchWait):
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			}
			continue
		}

		for _, m := range batch {
			if !t.deliver(ctx, m, out, logger) {
				return
			}
		}
	}
}

// deliver hands m to watermill and settles it with the server. It reports
// false when the subscription ended first; m is then left for redelivery.
func (t *Transport) deliver(ctx context.Context, m *nats.Msg, out chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	uuid := m.Header.Get(nats.MsgIdHdr)
	if uuid == "" {
		uuid = ids.New()
	}
	msg := message.NewMessage(uuid, m.Data)
	for k, v := range m.Header {
		if k != nats.MsgIdHdr && len(v) > 0 {
			msg.Metadata.Set(k, v[0])
		}
	}

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}

	select {
	case <-msg.Acked():
		if err := t.ack(m); err != nil {
			logger.Error("JetStream ack failed", err, watermill.LogFields{"uuid": uuid})
		}
	case <-msg.Nacked():
		if err := t.nak(m); err != nil {
			logger.Error("JetStream nak failed", err, watermill.LogFields{"uuid": uuid})
		}
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}
	return true
}

// Close stops every subscription and closes the connection. It is safe to
// call twice.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	t.conn.Close()
	return errors.Join(errs...)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
