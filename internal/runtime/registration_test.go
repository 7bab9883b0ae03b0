package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
)

func TestRegisterConsumerHandlerValidation(t *testing.T) {
	svc, _ := newTestService(t)
	noop := func(*message.Message) error { return nil }

	assert.ErrorIs(t, RegisterConsumerHandler(nil, ConsumerHandlerRegistration{}), errspkg.ErrServiceRequired)
	assert.ErrorIs(t, RegisterConsumerHandler(svc, ConsumerHandlerRegistration{Name: "h", Topic: "t"}), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterConsumerHandler(svc, ConsumerHandlerRegistration{Name: "h", Handler: noop}), errspkg.ErrConsumeQueueRequired)
	assert.ErrorIs(t, RegisterConsumerHandler(svc, ConsumerHandlerRegistration{Topic: "t", Handler: noop}), errspkg.ErrHandlerNameRequired)
}

func TestRegisterConsumerHandlerRecordsInfo(t *testing.T) {
	svc, _ := newTestService(t)
	noop := func(*message.Message) error { return nil }

	require.NoError(t, RegisterConsumerHandler(svc, ConsumerHandlerRegistration{Name: "audit", Topic: "audit/topic", Handler: noop}))

	require.Len(t, svc.handlers, 1)
	assert.Equal(t, "audit", svc.handlers[0].Name)
	assert.Equal(t, "audit/topic", svc.handlers[0].Topic)
	assert.Equal(t, "audit", svc.handlers[0].Kind, "kind defaults to the handler name")
	assert.NotNil(t, svc.handlers[0].Stats)
	assert.Equal(t, "audit", svc.handlerKind("audit"))
	assert.Empty(t, svc.handlerKind("missing"))

	err := RegisterConsumerHandler(svc, ConsumerHandlerRegistration{Name: "audit", Topic: "other", Handler: noop})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterJSONHandler(t *testing.T) {
	svc, _ := newTestService(t)

	var got events.DeliveryEvent
	err := RegisterJSONHandler(svc, JSONHandlerRegistration[events.DeliveryEvent]{
		Name:   "detect",
		Topic:  "iot/deliveries/raw",
		Kind:   events.KindDelivery,
		Decode: events.DecodeDelivery,
		Handler: func(_ context.Context, evt handlerpkg.JSONMessageContext[events.DeliveryEvent]) error {
			got = evt.Payload
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, svc.handlers, 1)
	assert.Equal(t, events.KindDelivery, svc.handlerKind("detect"))

	err = RegisterJSONHandler(svc, JSONHandlerRegistration[events.DeliveryEvent]{Name: "nil", Topic: "t"})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterJSONHandler[events.DeliveryEvent](nil, JSONHandlerRegistration[events.DeliveryEvent]{}), errspkg.ErrServiceRequired)
	assert.Nil(t, got.Delivery)
}

func TestWrappedHandlerCountsAndTracks(t *testing.T) {
	svc, _ := newTestService(t)
	stats := newHandlerStats()
	boom := errors.New("boom")

	handler := wrapHandlerWithReceived(
		wrapHandlerWithStats(func(*message.Message) error { return boom }, stats),
		events.KindViolation,
		svc.hooks,
	)

	err := handler(message.NewMessage("m-1", nil))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Equal(t, uint64(1), stats.Errors.Other)
	assert.Equal(t, uint64(1), svc.metrics.GetSnapshot().Received[events.KindViolation])
}
