package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	"github.com/drblury/slaflow/internal/runtime/features"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	"github.com/drblury/slaflow/internal/runtime/inference"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	"github.com/drblury/slaflow/internal/runtime/retry"
	"github.com/drblury/slaflow/internal/runtime/riskbus"
)

const tracerName = "github.com/drblury/slaflow/internal/runtime"

// RiskSink accepts encoded risk events. The bus bridge is the production
// implementation.
type RiskSink interface {
	Publish(subject string, payload []byte) error
}

// Enricher is the enrichment side of the pipeline: it hands every violation
// to the worker pool, where features are derived, the scorer is called and
// the risk event is queued on the risk sink.
type Enricher struct {
	scorer  inference.Scorer
	sink    RiskSink
	subject string
	source  string
	topic   string
	policy  retry.Policy
	pool    *Pool
	hooks   PipelineHooks
	drops   *dropper
	tracer  trace.Tracer
	now     func() time.Time

	// queueDepth, when set, receives the sink backlog after every publish.
	queueDepth func() int
	observe    func(int)
}

// Handle dispatches one decoded violation. It returns once the job is
// queued, or after the job ran when the pool has no workers.
func (e *Enricher) Handle(ctx context.Context, evt handlerpkg.JSONMessageContext[events.ViolationEvent]) error {
	v := evt.Payload
	parent := trace.SpanContextFromContext(ctx)
	md := evt.CloneMetadata()

	err := e.pool.Submit(ctx, func(poolCtx context.Context) {
		e.enrich(trace.ContextWithSpanContext(poolCtx, parent), v, evt.UUID, md)
	})
	if err != nil {
		payload, _ := jsoncodec.Marshal(v)
		e.drops.Drop(ctx, Drop{
			Stage:       StageDecoded,
			Reason:      ClassifyDrop(err),
			Kind:        events.KindViolation,
			Topic:       e.topic,
			MessageUUID: evt.UUID,
			Metadata:    md,
			Payload:     payload,
			Err:         err,
		})
	}
	return nil
}

func (e *Enricher) enrich(ctx context.Context, v events.ViolationEvent, uuid string, md message.Metadata) {
	ctx, span := e.tracer.Start(ctx, "Enrich", trace.WithAttributes(
		attribute.String("violation.rule", v.Rule),
		attribute.String("violation.delivery_id", v.OriginalDeliveryID),
		attribute.String("message.uuid", uuid),
	))
	defer span.End()

	drop := func(stage Stage, reason DropReason, kind string, payload []byte, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		e.drops.Drop(ctx, Drop{
			Stage:       stage,
			Reason:      reason,
			Kind:        kind,
			Topic:       e.topic,
			MessageUUID: uuid,
			Metadata:    md,
			Payload:     payload,
			Err:         err,
		})
	}

	fv := features.FromViolation(v)

	started := time.Now()
	pred, err := retry.Value(ctx, e.policy, func() (events.PredictionResult, error) {
		pred, err := e.scorer.Score(ctx, fv)
		if err != nil && !retryableInference(err) {
			return pred, retry.Permanent(err)
		}
		return pred, err
	})
	e.hooks.inference(Inference{Violation: v, Prediction: pred, Duration: time.Since(started), Err: err})
	if err != nil {
		payload, _ := jsoncodec.Marshal(v)
		drop(StageInferenceFailed, DropInference, events.KindViolation, payload, err)
		return
	}
	span.SetAttributes(attribute.Float64("prediction.proba_late", pred.ProbaLate))

	risk := events.NewRiskEvent(v, e.source, features.SchemaVersion, fv, pred, e.now())
	payload, err := jsoncodec.Marshal(risk)
	if err != nil {
		drop(StageScored, DropHandler, events.KindRisk, nil, err)
		return
	}

	if err := e.sink.Publish(e.subject, payload); err != nil {
		failure := &errspkg.PublishFailure{Bus: riskbus.BusName, Topic: e.subject, Err: err}
		drop(StageScored, ClassifyDrop(failure), events.KindRisk, payload, failure)
		return
	}
	if e.queueDepth != nil && e.observe != nil {
		e.observe(e.queueDepth())
	}
	e.hooks.riskPublished(risk)
}

// retryableInference keeps client errors other than timeouts and rate
// limits from being retried.
func retryableInference(err error) bool {
	var unavailable *errspkg.InferenceUnavailable
	if !errors.As(err, &unavailable) {
		return true
	}
	switch code := unavailable.StatusCode; {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func newTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
