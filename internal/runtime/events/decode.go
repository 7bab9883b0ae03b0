package events

import (
	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
)

// DecodeDelivery parses a raw-topic payload. The envelope form is preferred;
// a bare delivery record (an object carrying "id" but no "delivery") is
// accepted and wrapped.
func DecodeDelivery(payload []byte) (DeliveryEvent, error) {
	var evt DeliveryEvent
	if err := jsoncodec.Unmarshal(payload, &evt); err != nil {
		return DeliveryEvent{}, &errspkg.DecodeError{Kind: KindDelivery, Err: err}
	}
	if evt.Delivery == nil && hasKey(payload, "id") {
		var rec DeliveryRecord
		if err := jsoncodec.Unmarshal(payload, &rec); err != nil {
			return DeliveryEvent{}, &errspkg.DecodeError{Kind: KindDelivery, Err: err}
		}
		evt = DeliveryEvent{Delivery: &rec}
	}
	if err := evt.Validate(); err != nil {
		return DeliveryEvent{}, &errspkg.DecodeError{Kind: KindDelivery, Err: err}
	}
	return evt, nil
}

// DecodeViolation parses a violation-topic payload.
func DecodeViolation(payload []byte) (ViolationEvent, error) {
	var v ViolationEvent
	if err := jsoncodec.Unmarshal(payload, &v); err != nil {
		return ViolationEvent{}, &errspkg.DecodeError{Kind: KindViolation, Err: err}
	}
	if err := v.Validate(); err != nil {
		return ViolationEvent{}, &errspkg.DecodeError{Kind: KindViolation, Err: err}
	}
	return v, nil
}

func hasKey(payload []byte, key string) bool {
	node, err := sonic.Get(payload, key)
	return err == nil && node.Exists()
}
