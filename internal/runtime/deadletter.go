package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	idspkg "github.com/drblury/slaflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// KindDeadLetter tags dead-letter records on the event bus.
const KindDeadLetter = "dead_letter"

// DeadLetter is the record written for every dropped message. A payload that
// is valid JSON is embedded as is; anything else is kept as a string.
type DeadLetter struct {
	ID            string          `json:"id"`
	Reason        DropReason      `json:"reason"`
	Stage         Stage           `json:"stage"`
	Kind          string          `json:"kind,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	MessageUUID   string          `json:"messageUuid,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Error         string          `json:"error"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RawPayload    string          `json:"rawPayload,omitempty"`
	DroppedAt     time.Time       `json:"droppedAt"`
}

// NewDeadLetter builds the record for d.
func NewDeadLetter(d Drop, now time.Time) DeadLetter {
	dl := DeadLetter{
		ID:            idspkg.NewAt(now),
		Reason:        d.Reason,
		Stage:         d.Stage,
		Kind:          d.Kind,
		Topic:         d.Topic,
		MessageUUID:   d.MessageUUID,
		CorrelationID: d.Metadata.Get(handlerpkg.MetadataKeyCorrelationID),
		DroppedAt:     now.UTC(),
	}
	if d.Err != nil {
		dl.Error = d.Err.Error()
	}
	if len(d.Payload) > 0 {
		if jsoncodec.Valid(d.Payload) {
			dl.Payload = json.RawMessage(d.Payload)
		} else {
			dl.RawPayload = string(d.Payload)
		}
	}
	return dl
}

// DeadLetterSink receives every dropped message.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// LogDeadLetterSink only logs. It is the default when no dead-letter topic
// is configured.
type LogDeadLetterSink struct {
	Logger loggingpkg.ServiceLogger
}

func (s LogDeadLetterSink) Send(_ context.Context, dl DeadLetter) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("Dead letter", loggingpkg.LogFields{
		"dead_letter_id": dl.ID,
		"reason":         dl.Reason,
		"stage":          dl.Stage,
		"kind":           dl.Kind,
		"topic":          dl.Topic,
		"message_uuid":   dl.MessageUUID,
		"error":          dl.Error,
	})
	return nil
}

// TopicDeadLetterSink publishes dead letters as JSON on an event-bus topic.
type TopicDeadLetterSink struct {
	publisher message.Publisher
	topic     string
	bus       string
}

// NewTopicDeadLetterSink builds a sink on publisher. bus only labels
// publish failures.
func NewTopicDeadLetterSink(publisher message.Publisher, topic, bus string) (*TopicDeadLetterSink, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &TopicDeadLetterSink{publisher: publisher, topic: topic, bus: bus}, nil
}

func (s *TopicDeadLetterSink) Topic() string { return s.topic }

func (s *TopicDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	md := message.Metadata{}
	md.Set(handlerpkg.MetadataKeyDropReason, string(dl.Reason))
	if dl.CorrelationID != "" {
		md.Set(handlerpkg.MetadataKeyCorrelationID, dl.CorrelationID)
	}

	msg, err := handlerpkg.NewJSONMessage(KindDeadLetter, dl, md)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return &errspkg.PublishFailure{Bus: s.bus, Topic: s.topic, Err: err}
	}
	return nil
}

// dropper is the single exit for messages the pipeline gives up on: it
// logs, notifies hooks and writes the dead letter.
type dropper struct {
	logger loggingpkg.ServiceLogger
	hooks  PipelineHooks
	sink   DeadLetterSink
	now    func() time.Time
}

func (d *dropper) Drop(ctx context.Context, drop Drop) {
	if drop.Reason == "" {
		drop.Reason = ClassifyDrop(drop.Err)
	}
	if drop.Stage == "" {
		drop.Stage = StageReceived
	}

	d.logger.Error("Message dropped", drop.Err, loggingpkg.LogFields{
		"reason":       drop.Reason,
		"stage":        drop.Stage,
		"kind":         drop.Kind,
		"topic":        drop.Topic,
		"message_uuid": drop.MessageUUID,
	})
	d.hooks.drop(drop)

	if d.sink == nil {
		return
	}
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	if err := d.sink.Send(ctx, NewDeadLetter(drop, now())); err != nil {
		d.logger.Error("Failed to write dead letter", err, loggingpkg.LogFields{
			"reason":       drop.Reason,
			"message_uuid": drop.MessageUUID,
		})
	}
}
