package runtime

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
)

type handlerRegistration struct {
	Name       string
	Topic      string
	Kind       string
	Subscriber message.Subscriber
	Handler    message.NoPublishHandlerFunc
}

// ConsumerHandlerRegistration wires a raw Watermill consumer without typed
// decoding.
type ConsumerHandlerRegistration struct {
	Name  string
	Topic string
	// Kind labels metrics and dead letters. Defaults to the handler name.
	Kind       string
	Subscriber message.Subscriber
	Handler    message.NoPublishHandlerFunc
}

// RegisterConsumerHandler attaches the provided handler to the service router.
func RegisterConsumerHandler(svc *Service, cfg ConsumerHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	return svc.registerHandler(handlerRegistration(cfg))
}

// JSONHandlerRegistration wires a typed JSON consumer to the router.
type JSONHandlerRegistration[T any] struct {
	Name  string
	Topic string
	Kind  string
	// Decode is optional; the payload is unmarshalled into T when nil.
	Decode  handlerpkg.Decoder[T]
	Handler handlerpkg.JSONMessageHandler[T]
}

// RegisterJSONHandler converts the typed JSON handler into a Watermill
// consumer and registers it.
func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.Kind, cfg.Decode, cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.registerHandler(handlerRegistration{
		Name:    cfg.Name,
		Topic:   cfg.Topic,
		Kind:    cfg.Kind,
		Handler: wrapped,
	})
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Topic == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Kind == "" {
		cfg.Kind = cfg.Name
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if _, exists := s.router.Handlers()[cfg.Name]; exists {
		return fmt.Errorf("handler %q is already registered", cfg.Name)
	}

	stats := newHandlerStats()
	info := &HandlerInfo{
		Name:  cfg.Name,
		Topic: cfg.Topic,
		Kind:  cfg.Kind,
		Stats: stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	handler := wrapHandlerWithStats(cfg.Handler, stats)
	handler = wrapHandlerWithReceived(handler, cfg.Kind, s.hooks)

	s.router.AddConsumerHandler(
		cfg.Name,
		cfg.Topic,
		cfg.Subscriber,
		handler,
	)

	return nil
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		stats.onMessageStart()
		start := time.Now()
		err := handler(msg)
		stats.onMessageFinish(msg, time.Since(start), err)
		return err
	}
}

func wrapHandlerWithReceived(handler message.NoPublishHandlerFunc, kind string, hooks PipelineHooks) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		hooks.received(kind)
		return handler(msg)
	}
}
