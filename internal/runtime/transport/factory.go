// Package transport builds the event-bus transport for a service.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/slaflow/internal/runtime/config"
	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/transport"
	_ "github.com/drblury/slaflow/transport/transports"
)

// Factory abstracts how a service obtains its event-bus transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds the transport named by EVENT_BUS from the registry.
func DefaultFactory() Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		if conf == nil {
			return transport.Transport{}, errspkg.ErrConfigRequired
		}
		return transport.Build(ctx, conf, logger)
	})
}

// Static returns a factory handing out an already built transport, for
// services sharing one in-memory bus.
func Static(t transport.Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return t, nil
	})
}
