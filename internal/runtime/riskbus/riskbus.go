// Package riskbus owns the connection to the NATS server that carries risk
// events. It publishes either fire-and-forget on core NATS or through
// JetStream's asynchronous publish, and drains on Close.
package riskbus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// BusName labels risk-bus failures.
const BusName = "nats"

const (
	DefaultMaxPending     = 256
	DefaultConnectTimeout = 5 * time.Second
	DefaultReconnectWait  = 2 * time.Second
)

// Config holds the risk-bus connection settings.
type Config struct {
	URL string
	// Name is announced to the server as the client connection name.
	Name string
	// JetStream switches publishing to acknowledged async JetStream
	// publishes. A stream covering the subject must exist.
	JetStream bool
	// MaxPending bounds unacknowledged JetStream publishes.
	MaxPending     int
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	// OnAsyncFailure receives JetStream publishes the server rejected after
	// Publish already returned.
	OnAsyncFailure func(subject string, payload []byte, err error)
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "slaflow"
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// Conn is the part of *nats.Conn the publisher relies on.
type Conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
	IsClosed() bool
	ConnectedUrlRedacted() string
}

// AsyncPublisher is the part of nats.JetStreamContext used in JetStream mode.
type AsyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncPending() int
	PublishAsyncComplete() <-chan struct{}
}

// ConnectFunc dials the server. Tests replace it.
var ConnectFunc = func(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// JetStreamFunc builds the JetStream context for conn. Tests replace it.
var JetStreamFunc = func(conn Conn, opts ...nats.JSOpt) (AsyncPublisher, error) {
	nc, ok := conn.(*nats.Conn)
	if !ok {
		return nil, fmt.Errorf("riskbus: jetstream requires a *nats.Conn, got %T", conn)
	}
	return nc.JetStream(opts...)
}

// Publisher is a bridge.Sink for the risk bus.
type Publisher struct {
	conn   Conn
	js     AsyncPublisher
	logger loggingpkg.ServiceLogger

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	shutting bool
}

// Connect dials the risk bus. A failure here is fatal for the caller: the
// pipeline cannot publish risk events without it.
func Connect(cfg Config, logger loggingpkg.ServiceLogger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("riskbus: URL is required")
	}
	if logger == nil {
		logger = loggingpkg.NewDiscard()
	}
	cfg = cfg.withDefaults()

	p := &Publisher{
		logger: logger.With(loggingpkg.LogFields{"component": "riskbus"}),
		closed: make(chan struct{}),
	}

	conn, err := ConnectFunc(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Error("Risk bus disconnected", err, nil)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("Risk bus reconnected", loggingpkg.LogFields{"url": nc.ConnectedUrlRedacted()})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			p.closeOnce.Do(func() { close(p.closed) })
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("riskbus: connect %s: %w", redact(cfg.URL), err)
	}
	p.conn = conn

	if cfg.JetStream {
		js, err := JetStreamFunc(conn,
			nats.PublishAsyncMaxPending(cfg.MaxPending),
			nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
				p.logger.Error("JetStream publish rejected", err, loggingpkg.LogFields{"subject": msg.Subject})
				if cfg.OnAsyncFailure != nil {
					cfg.OnAsyncFailure(msg.Subject, msg.Data, err)
				}
			}),
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("riskbus: jetstream: %w", err)
		}
		p.js = js
	}

	p.logger.Info("Connected to risk bus", loggingpkg.LogFields{
		"url":       conn.ConnectedUrlRedacted(),
		"jetstream": cfg.JetStream,
	})
	return p, nil
}

// Publish sends payload on subject. In JetStream mode the acknowledgement
// arrives later; rejections go to Config.OnAsyncFailure.
func (p *Publisher) Publish(subject string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutting {
		return &errspkg.PublishFailure{Bus: BusName, Topic: subject, Err: nats.ErrConnectionClosed}
	}

	var err error
	if p.js != nil {
		_, err = p.js.PublishAsync(subject, payload)
	} else {
		err = p.conn.Publish(subject, payload)
	}
	if err != nil {
		return &errspkg.PublishFailure{Bus: BusName, Topic: subject, Err: err}
	}
	return nil
}

// Pending reports unacknowledged JetStream publishes. It is always zero on
// core NATS.
func (p *Publisher) Pending() int {
	if p.js == nil {
		return 0
	}
	return p.js.PublishAsyncPending()
}

// Close waits for outstanding JetStream acknowledgements, drains the
// connection and waits for it to close, all bounded by ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		return nil
	}
	p.shutting = true
	p.mu.Unlock()

	if p.js != nil {
		select {
		case <-p.js.PublishAsyncComplete():
		case <-ctx.Done():
			p.logger.Error("Gave up waiting for JetStream acks", ctx.Err(), loggingpkg.LogFields{"pending": p.js.PublishAsyncPending()})
		}
	}

	if p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("riskbus: drain: %w", err)
	}

	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		p.conn.Close()
		return ctx.Err()
	}
}

// redact hides a password embedded in the server URL.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
