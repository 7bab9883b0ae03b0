package handlers

import (
	"context"
	"errors"
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	idspkg "github.com/drblury/slaflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// Decoder turns a raw payload into a typed value. Errors should be
// *errors.DecodeError so the drop path can tell them apart.
type Decoder[T any] func(payload []byte) (T, error)

// JSONMessageContext exposes the decoded payload and metadata for JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
	UUID    string
}

// JSONMessageHandler consumes one decoded payload. Returning an error hands
// the message to the drop path.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed JSON handler into a Watermill consumer
// handler. When decode is nil the payload is unmarshalled into T and any
// failure is reported as a DecodeError of the given kind.
func BuildJSONHandler[T any](kind string, decode Decoder[T], handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if decode == nil {
		decode = unmarshalInto[T](kind)
	}
	if logger == nil {
		logger = loggingpkg.NewDiscard()
	}

	return func(msg *message.Message) error {
		payload, err := decode(msg.Payload)
		if err != nil {
			var decodeErr *errspkg.DecodeError
			if !errors.As(err, &decodeErr) {
				err = &errspkg.DecodeError{Kind: kind, Err: err}
			}
			return err
		}

		evt := JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{
				Metadata: msg.Metadata,
				Logger: logger.With(loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"kind":         kind,
				}),
			},
			Payload: payload,
			UUID:    msg.UUID,
		}
		return handler(msg.Context(), evt)
	}, nil
}

func unmarshalInto[T any](kind string) Decoder[T] {
	return func(payload []byte) (T, error) {
		var v T
		if err := jsoncodec.Unmarshal(payload, &v); err != nil {
			var zero T
			return zero, &errspkg.DecodeError{Kind: kind, Err: err}
		}
		return v, nil
	}
}

// NewJSONMessage encodes v as canonical JSON and wraps it in a message with
// a fresh ULID. The metadata is copied and tagged with the event kind.
func NewJSONMessage(kind string, v any, metadata message.Metadata) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, err
	}

	md := message.Metadata{}
	if metadata != nil {
		md = maps.Clone(metadata)
	}
	md.Set(MetadataKeyEventKind, kind)

	msg := message.NewMessage(idspkg.New(), payload)
	msg.Metadata = md
	return msg, nil
}
