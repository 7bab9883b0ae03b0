// Package rabbitmq carries the raw and violation topics over RabbitMQ. Each
// topic is a durable fanout exchange of the same name. Every slaflow replica
// consumes from one shared queue per topic ("<topic>_slaflow"), so replicas
// split the work, and other systems can bind their own queue to the exchange
// to see the same records.
//
// Messages are persistent and acknowledged after the handler returns. A
// nack puts the message back on the queue; the pipeline dead-letters and
// acks what it cannot process, so a nack only happens on shutdown. One
// unacknowledged message per consumer keeps a queue in publish order.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/slaflow/transport"
)

// TransportName is the EVENT_BUS value for this transport.
const TransportName = "rabbitmq"

// QueueSuffix names the queue all replicas share on a topic's exchange.
const QueueSuffix = "slaflow"

var ErrURLRequired = errors.New("rabbitmq: RABBITMQ_URL is required")

// ConnectionFactory dials the broker. Tests replace it.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection closes the shared connection. Tests replace it.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory builds the publisher on the shared connection.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory builds the subscriber on the shared connection.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// PubSubConfig returns the exchange, queue and consume settings for url.
func PubSubConfig(url string) amqp.Config {
	conf := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(QueueSuffix))
	conf.Consume.Qos.PrefetchCount = 1
	conf.Consume.NoRequeueOnNack = false
	return conf
}

// Build dials RabbitMQ once and shares the connection between publisher and
// subscriber. The connection reconnects with the library defaults and is
// closed with the publisher, which the transport closes last.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, ErrURLRequired
	}
	conf := PubSubConfig(url)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(conf, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}
	publisher = &connPublisher{Publisher: publisher, conn: conn}

	subscriber, err := SubscriberFactory(conf, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// connPublisher closes the shared connection after its publisher. Publishers
// and subscribers built on a given connection leave it open.
type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), CloseConnection(p.conn))
}
