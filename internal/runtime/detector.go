package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
	"github.com/drblury/slaflow/internal/runtime/retry"
	"github.com/drblury/slaflow/internal/runtime/rules"
)

// ViolationPublisher puts violations on the violation topic of the event
// bus, retrying transient publish errors.
type ViolationPublisher struct {
	publisher message.Publisher
	topic     string
	bus       string
	policy    retry.Policy
}

// NewViolationPublisher builds a publisher for topic. bus only labels
// publish failures.
func NewViolationPublisher(publisher message.Publisher, topic, bus string, policy retry.Policy) (*ViolationPublisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &ViolationPublisher{publisher: publisher, topic: topic, bus: bus, policy: policy}, nil
}

func (p *ViolationPublisher) Topic() string { return p.topic }

// Publish encodes v and publishes it. The final error after all attempts is
// a *errors.PublishFailure.
func (p *ViolationPublisher) Publish(ctx context.Context, v events.ViolationEvent, metadata message.Metadata) error {
	msg, err := handlerpkg.NewJSONMessage(events.KindViolation, v, metadata)
	if err != nil {
		return &errspkg.PublishFailure{Bus: p.bus, Topic: p.topic, Err: err}
	}
	msg.SetContext(ctx)

	err = retry.Do(ctx, p.policy, func() error {
		return p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		return &errspkg.PublishFailure{Bus: p.bus, Topic: p.topic, Err: err}
	}
	return nil
}

// Detector is the ingestion side of the pipeline: it evaluates every
// delivery record against the rule engine and publishes the violations.
type Detector struct {
	engine     *rules.Engine
	violations *ViolationPublisher
	hooks      PipelineHooks
	drops      *dropper
	sourceID   string
}

// Handle processes one decoded raw-topic message. A violation that cannot
// be published is dropped on its own; the others are still published.
func (d *Detector) Handle(ctx context.Context, evt handlerpkg.JSONMessageContext[events.DeliveryEvent]) error {
	record := *evt.Payload.Delivery

	found, skips := d.engine.EvaluateWithSkips(record)
	for _, skip := range skips {
		d.hooks.ruleSkipped(skip)
	}
	if len(found) == 0 {
		evt.Logger.Trace("No violation", loggingpkg.LogFields{"delivery_id": record.ID})
		return nil
	}

	md := message.Metadata{}
	if id := evt.CorrelationID(); id != "" {
		md.Set(handlerpkg.MetadataKeyCorrelationID, id)
	}
	md.Set(handlerpkg.MetadataKeySourceID, d.sourceID)

	for _, v := range found {
		if err := d.violations.Publish(ctx, v, md); err != nil {
			payload, _ := jsoncodec.Marshal(v)
			d.drops.Drop(ctx, Drop{
				Stage:       StageViolated,
				Reason:      DropPublish,
				Kind:        events.KindViolation,
				Topic:       d.violations.Topic(),
				MessageUUID: evt.UUID,
				Metadata:    evt.Metadata,
				Payload:     payload,
				Err:         err,
			})
			continue
		}
		d.hooks.violation(v)
	}
	return nil
}
