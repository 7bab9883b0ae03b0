// Package transports imports every built-in event-bus transport so they
// register with the default registry.
package transports

import (
	_ "github.com/drblury/slaflow/transport/aws"
	_ "github.com/drblury/slaflow/transport/channel"
	_ "github.com/drblury/slaflow/transport/http"
	_ "github.com/drblury/slaflow/transport/jetstream"
	_ "github.com/drblury/slaflow/transport/kafka"
	_ "github.com/drblury/slaflow/transport/mqtt"
	_ "github.com/drblury/slaflow/transport/nats"
	_ "github.com/drblury/slaflow/transport/rabbitmq"
)
