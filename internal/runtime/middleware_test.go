package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	idspkg "github.com/drblury/slaflow/internal/runtime/ids"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	svc := &Service{}
	mw := svc.correlationIDMiddleware()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		msg.Metadata = nil
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			assert.NotEmpty(t, m.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, "fixed")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", m.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})
}

func TestDropMiddlewareAcksDecodeErrors(t *testing.T) {
	svc, letters := newTestService(t)
	msg := message.NewMessage("raw-9", []byte("not json"))

	out, err := svc.dropMiddleware()(func(*message.Message) ([]*message.Message, error) {
		return nil, &errspkg.DecodeError{Kind: events.KindDelivery, Err: errors.New("invalid character")}
	})(msg)

	require.NoError(t, err)
	assert.Nil(t, out)

	got := letters.Letters()
	require.Len(t, got, 1)
	assert.Equal(t, DropDecode, got[0].Reason)
	assert.Equal(t, StageReceived, got[0].Stage)
	assert.Equal(t, "raw-9", got[0].MessageUUID)
	assert.Equal(t, "not json", got[0].RawPayload)
	assert.Equal(t, uint64(1), svc.metrics.GetSnapshot().Dropped[DropDecode])
}

func TestDropMiddlewareSeesRecoveredPanics(t *testing.T) {
	svc, letters := newTestService(t)

	handler := svc.dropMiddleware()(middleware.Recoverer(func(*message.Message) ([]*message.Message, error) {
		panic("nil map write")
	}))

	_, err := handler(message.NewMessage("m-1", []byte(`{}`)))
	require.NoError(t, err)

	got := letters.Letters()
	require.Len(t, got, 1)
	assert.Equal(t, DropPanic, got[0].Reason)
	assert.Equal(t, StageDecoded, got[0].Stage)
	assert.Contains(t, got[0].Error, "handler panicked")
}

func TestDropMiddlewarePassesSuccess(t *testing.T) {
	svc, letters := newTestService(t)
	produced := []*message.Message{message.NewMessage("out", nil)}

	out, err := svc.dropMiddleware()(func(*message.Message) ([]*message.Message, error) {
		return produced, nil
	})(message.NewMessage("m-2", nil))

	require.NoError(t, err)
	assert.Equal(t, produced, out)
	assert.Empty(t, letters.Letters())
}

func TestTracerMiddlewareRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	svc := &Service{}
	boom := errors.New("boom")
	msg := message.NewMessage("m-3", nil)
	msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, "corr-3")

	_, err := svc.tracerMiddleware()(func(m *message.Message) ([]*message.Message, error) {
		assert.NotEmpty(t, m.Metadata.Get(handlerpkg.MetadataKeyTraceID))
		assert.NotEmpty(t, m.Metadata.Get(handlerpkg.MetadataKeySpanID))
		return nil, boom
	})(msg)
	assert.ErrorIs(t, err, boom)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ProcessMessage", spans[0].Name())
	assert.Len(t, spans[0].Events(), 1, "error recorded as span event")
}

func TestRegisterMiddleware(t *testing.T) {
	svc, _ := newTestService(t)

	assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	assert.EqualError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Name:    "bad",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errors.New("boom") },
	}), "boom")
	for _, reg := range DefaultMiddlewares() {
		assert.NoError(t, svc.RegisterMiddleware(reg), reg.Name)
	}

	assert.Error(t, (&Service{}).RegisterMiddleware(CorrelationIDMiddleware()))
}

func TestDropMiddlewareRequiresDeadLetterPath(t *testing.T) {
	svc, _ := newTestService(t)
	svc.drops = nil

	assert.Error(t, svc.RegisterMiddleware(DropMiddleware()))
}

func TestMetricsMiddlewareServesMetricsEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Conf.MetricsEnabled = true
	svc.Conf.MetricsPort = 19090

	require.NoError(t, svc.RegisterMiddleware(MetricsMiddleware()))

	require.Contains(t, svc.httpServers, 19090)
	_, pattern := svc.httpServers[19090].Handler(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "/metrics", pattern)
}
