package transport

// Capabilities describes the delivery guarantees of an event-bus transport.
// The service logs them at startup and uses them to decide whether a failed
// message can be nacked for redelivery or has to be dead-lettered locally.
type Capabilities struct {
	Name string

	// SupportsAck is true when the broker holds a message until the
	// consumer acknowledges it.
	SupportsAck bool

	// SupportsNack is true when a negative acknowledgement triggers redelivery.
	SupportsNack bool

	// SupportsOrdering is true when messages of one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsNativeDLQ is true when the broker can route rejected messages
	// to a dead-letter destination on its own.
	SupportsNativeDLQ bool

	// SupportsRetain is true when the broker can keep the last message of a
	// topic for late subscribers (MQTT retained messages).
	SupportsRetain bool

	// SupportsQoS is true when the publisher chooses a delivery level per message.
	SupportsQoS bool

	// SupportsTracing is true when message metadata travels as broker headers.
	SupportsTracing bool

	// MaxMessageSize in bytes, 0 when unknown or unlimited.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether dead letters must be published by
// the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of n bytes is within MaxMessageSize.
func (c Capabilities) Fits(n int) bool {
	return c.MaxMessageSize == 0 || int64(n) <= c.MaxMessageSize
}

var (
	// MQTTCapabilities for the paho MQTT transport. QoS 1 gives at-least-once
	// delivery from the broker and the client acknowledges after the handler,
	// but MQTT has no negative acknowledgement to ask for redelivery.
	MQTTCapabilities = Capabilities{
		Name:             "mqtt",
		SupportsAck:      true,
		SupportsOrdering: true,
		SupportsRetain:   true,
		SupportsQoS:      true,
		MaxMessageSize:   268435455,
	}

	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
	}

	// NATSCapabilities for NATS core used as the event bus.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	// JetStreamCapabilities for NATS JetStream as the event bus. Durable pull
	// consumers with explicit acks redeliver nacked messages up to
	// MaxDeliver times.
	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks a transport up in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
