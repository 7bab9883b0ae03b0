package runtime

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	"github.com/drblury/slaflow/internal/runtime/retry"
	"github.com/drblury/slaflow/internal/runtime/rules"
	"github.com/drblury/slaflow/transport/transporttest"
)

const testViolationTopic = "iot/deliveries/events"

// selectivePublisher fails every message whose payload contains reject.
type selectivePublisher struct {
	transporttest.Publisher
	mu       sync.Mutex
	reject   []byte
	attempts int
}

func (p *selectivePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	p.attempts++
	p.mu.Unlock()
	for _, m := range msgs {
		if bytes.Contains(m.Payload, p.reject) {
			return errors.New("broker rejected message")
		}
	}
	return p.Publisher.Publish(topic, msgs...)
}

func newTestDetector(t *testing.T, pub message.Publisher) (*Detector, *Service, *recordingDeadLetters) {
	t.Helper()
	svc, letters := newTestService(t)

	engine, err := rules.NewEngine("eventmanager", rules.Defaults(30, 20)...)
	require.NoError(t, err)
	violations, err := NewViolationPublisher(pub, testViolationTopic, "mqtt", retry.Policy{MaxAttempts: 2, InitialInterval: 1, MaxInterval: 1})
	require.NoError(t, err)

	return &Detector{
		engine:     engine,
		violations: violations,
		hooks:      svc.hooks,
		drops:      svc.drops,
		sourceID:   "eventmanager",
	}, svc, letters
}

func deliveryContext(rec events.DeliveryRecord, md message.Metadata) handlerpkg.JSONMessageContext[events.DeliveryEvent] {
	return handlerpkg.JSONMessageContext[events.DeliveryEvent]{
		MessageContextBase: handlerpkg.MessageContextBase{Metadata: md, Logger: newTestLogger()},
		Payload:            events.DeliveryEvent{Delivery: &rec},
		UUID:               "raw-1",
	}
}

func TestNewViolationPublisherValidates(t *testing.T) {
	_, err := NewViolationPublisher(nil, "t", "mqtt", retry.Once)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
	_, err = NewViolationPublisher(&transporttest.Publisher{}, "", "mqtt", retry.Once)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestDetectorNoViolation(t *testing.T) {
	pub := &transporttest.Publisher{}
	d, svc, letters := newTestDetector(t, pub)

	err := d.Handle(context.Background(), deliveryContext(events.DeliveryRecord{
		ID:           "d-1",
		TimeTakenMin: floatPtr(25),
		DistanceKm:   floatPtr(5),
	}, nil))

	require.NoError(t, err)
	assert.Empty(t, pub.Messages(testViolationTopic))
	assert.Empty(t, letters.Letters())
	assert.Empty(t, svc.metrics.GetSnapshot().Violations)
}

func TestDetectorPublishesEachViolationInRuleOrder(t *testing.T) {
	pub := &transporttest.Publisher{}
	d, svc, _ := newTestDetector(t, pub)

	md := message.Metadata{handlerpkg.MetadataKeyCorrelationID: "corr-1"}
	err := d.Handle(context.Background(), deliveryContext(events.DeliveryRecord{
		ID:                "d-2",
		City:              "Metropolitian",
		TimeTakenMin:      floatPtr(45),
		DistanceKm:        floatPtr(25),
		DeliveryTimestamp: "2024-03-04T18:30:00Z",
	}, md))
	require.NoError(t, err)

	msgs := pub.Messages(testViolationTopic)
	require.Len(t, msgs, 2)

	var first, second events.ViolationEvent
	require.NoError(t, jsoncodec.Unmarshal(msgs[0].Payload, &first))
	require.NoError(t, jsoncodec.Unmarshal(msgs[1].Payload, &second))

	assert.Equal(t, rules.TimeTakenOverThreshold, first.Rule)
	assert.Equal(t, 45.0, first.Actual)
	assert.Equal(t, 30.0, first.Threshold)
	assert.Equal(t, "d-2", first.OriginalDeliveryID)
	assert.Equal(t, "eventmanager", first.SourceID)
	assert.Equal(t, rules.DistanceOverThreshold, second.Rule)

	for _, m := range msgs {
		assert.Equal(t, "corr-1", m.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
		assert.Equal(t, "eventmanager", m.Metadata.Get(handlerpkg.MetadataKeySourceID))
		assert.Equal(t, events.KindViolation, m.Metadata.Get(handlerpkg.MetadataKeyEventKind))
	}
	assert.NotEqual(t, msgs[0].UUID, msgs[1].UUID)

	snap := svc.metrics.GetSnapshot()
	assert.Equal(t, uint64(1), snap.Violations[rules.TimeTakenOverThreshold])
	assert.Equal(t, uint64(1), snap.Violations[rules.DistanceOverThreshold])
}

func TestDetectorReportsSkippedRules(t *testing.T) {
	pub := &transporttest.Publisher{}
	d, svc, _ := newTestDetector(t, pub)

	err := d.Handle(context.Background(), deliveryContext(events.DeliveryRecord{
		ID:         "d-3",
		DistanceKm: floatPtr(21),
	}, nil))
	require.NoError(t, err)

	require.Len(t, pub.Messages(testViolationTopic), 1)
	assert.Equal(t, uint64(1), svc.metrics.GetSnapshot().RuleSkips[rules.TimeTakenOverThreshold])
}

func TestDetectorDropsOnlyTheFailedViolation(t *testing.T) {
	pub := &selectivePublisher{reject: []byte(rules.DistanceOverThreshold)}
	d, svc, letters := newTestDetector(t, pub)

	err := d.Handle(context.Background(), deliveryContext(events.DeliveryRecord{
		ID:           "d-4",
		TimeTakenMin: floatPtr(31),
		DistanceKm:   floatPtr(40),
	}, nil))
	require.NoError(t, err)

	require.Len(t, pub.Messages(testViolationTopic), 1)
	// One attempt for the first violation, two for the rejected one.
	assert.Equal(t, 3, pub.attempts)

	got := letters.Letters()
	require.Len(t, got, 1)
	assert.Equal(t, DropPublish, got[0].Reason)
	assert.Equal(t, StageViolated, got[0].Stage)
	assert.Equal(t, events.KindViolation, got[0].Kind)
	assert.Equal(t, "raw-1", got[0].MessageUUID)
	assert.Contains(t, string(got[0].Payload), rules.DistanceOverThreshold)

	snap := svc.metrics.GetSnapshot()
	assert.Equal(t, uint64(1), snap.Violations[rules.TimeTakenOverThreshold])
	assert.Zero(t, snap.Violations[rules.DistanceOverThreshold])
	assert.Equal(t, uint64(1), snap.Dropped[DropPublish])
}
