package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// Stage is a state of the detection or enrichment state machine.
type Stage string

const (
	StageReceived        Stage = "received"
	StageDecoded         Stage = "decoded"
	StageRulesEvaluated  Stage = "rules_evaluated"
	StageNoViolation     Stage = "no_violation"
	StageViolated        Stage = "violated"
	StagePublished       Stage = "published"
	StageFeaturesDerived Stage = "features_derived"
	StageScored          Stage = "scored"
	StageRiskPublished   Stage = "risk_published"
	StageInferenceFailed Stage = "inference_failed"
	StageDropped         Stage = "dropped"
)

// Terminal reports whether no further transition leaves s.
func (s Stage) Terminal() bool {
	switch s {
	case StageNoViolation, StagePublished, StageRiskPublished, StageDropped:
		return true
	default:
		return false
	}
}

// DropReason says why a message left the pipeline without reaching its
// success state.
type DropReason string

const (
	DropDecode       DropReason = "decode_error"
	DropInference    DropReason = "inference_unavailable"
	DropPublish      DropReason = "publish_failed"
	DropBridgeFull   DropReason = "bridge_full"
	DropBridgeClosed DropReason = "bridge_closed"
	DropPoolClosed   DropReason = "pool_closed"
	DropPanic        DropReason = "panic"
	DropHandler      DropReason = "handler_error"
)

// ClassifyDrop maps an error returned anywhere in the pipeline to a reason.
func ClassifyDrop(err error) DropReason {
	var (
		decodeErr    *errspkg.DecodeError
		inferenceErr *errspkg.InferenceUnavailable
		panicErr     middleware.RecoveredPanicError
	)
	switch {
	case errors.As(err, &decodeErr):
		return DropDecode
	case errors.As(err, &inferenceErr):
		return DropInference
	case errors.Is(err, errspkg.ErrBridgeFull):
		return DropBridgeFull
	case errors.Is(err, errspkg.ErrBridgeClosed):
		return DropBridgeClosed
	case errors.Is(err, errspkg.ErrPoolClosed):
		return DropPoolClosed
	case errors.As(err, new(*errspkg.PublishFailure)):
		return DropPublish
	case errors.As(err, &panicErr):
		return DropPanic
	default:
		return DropHandler
	}
}

// Drop describes one message the pipeline gave up on.
type Drop struct {
	// Stage is the last stage the message reached.
	Stage       Stage
	Reason      DropReason
	Kind        string
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Payload     []byte
	Err         error
}

// Inference reports one completed scoring attempt sequence for a violation.
type Inference struct {
	Violation  events.ViolationEvent
	Prediction events.PredictionResult
	Duration   time.Duration
	Err        error
}

// PipelineHooks are optional callbacks on pipeline transitions. Nil hooks
// are skipped. Hooks run on the goroutine that made the transition and
// must not block.
type PipelineHooks struct {
	// OnReceived is called for every message taken off a bus topic, before
	// decoding. The argument is the kind expected on that topic.
	OnReceived func(kind string)

	OnRuleSkipped func(skip *errspkg.RuleEvaluationSkip)

	// OnViolation is called once the violation is on the violation topic.
	OnViolation func(v events.ViolationEvent)

	OnInference func(result Inference)

	// OnRiskPublished is called once the risk event is queued on the bridge.
	OnRiskPublished func(evt events.RiskEvent)

	OnDrop func(drop Drop)
}

// Merge combines two PipelineHooks. The hooks from other run after the
// hooks from h.
func (h PipelineHooks) Merge(other PipelineHooks) PipelineHooks {
	return PipelineHooks{
		OnReceived:      chainHooks(h.OnReceived, other.OnReceived),
		OnRuleSkipped:   chainHooks(h.OnRuleSkipped, other.OnRuleSkipped),
		OnViolation:     chainHooks(h.OnViolation, other.OnViolation),
		OnInference:     chainHooks(h.OnInference, other.OnInference),
		OnRiskPublished: chainHooks(h.OnRiskPublished, other.OnRiskPublished),
		OnDrop:          chainHooks(h.OnDrop, other.OnDrop),
	}
}

func chainHooks[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func (h PipelineHooks) received(kind string) {
	if h.OnReceived != nil {
		h.OnReceived(kind)
	}
}

func (h PipelineHooks) ruleSkipped(skip *errspkg.RuleEvaluationSkip) {
	if h.OnRuleSkipped != nil {
		h.OnRuleSkipped(skip)
	}
}

func (h PipelineHooks) violation(v events.ViolationEvent) {
	if h.OnViolation != nil {
		h.OnViolation(v)
	}
}

func (h PipelineHooks) inference(result Inference) {
	if h.OnInference != nil {
		h.OnInference(result)
	}
}

func (h PipelineHooks) riskPublished(evt events.RiskEvent) {
	if h.OnRiskPublished != nil {
		h.OnRiskPublished(evt)
	}
}

func (h PipelineHooks) drop(d Drop) {
	if h.OnDrop != nil {
		h.OnDrop(d)
	}
}

// LoggingHooks logs violations and risk events at info level and rule skips
// at debug level. Drops are logged by the drop path itself.
func LoggingHooks(logger loggingpkg.ServiceLogger) PipelineHooks {
	return PipelineHooks{
		OnRuleSkipped: func(skip *errspkg.RuleEvaluationSkip) {
			logger.Debug("Rule skipped", loggingpkg.LogFields{
				"rule":   skip.Rule,
				"field":  skip.Field,
				"reason": skip.Reason,
			})
		},
		OnViolation: func(v events.ViolationEvent) {
			logger.Info("Violation published", loggingpkg.LogFields{
				"rule":        v.Rule,
				"field":       v.Field,
				"threshold":   v.Threshold,
				"actual":      v.Actual,
				"delivery_id": v.OriginalDeliveryID,
			})
		},
		OnRiskPublished: func(evt events.RiskEvent) {
			logger.Info("Risk event queued", loggingpkg.LogFields{
				"rule":        evt.ViolationRule,
				"late":        evt.Prediction.Late(),
				"proba_late":  evt.Prediction.ProbaLate,
				"delivery_id": evt.OriginalDeliveryID,
			})
		},
	}
}

// MetricsHooks feeds every transition into m.
func MetricsHooks(m *PipelineMetrics) PipelineHooks {
	return PipelineHooks{
		OnReceived: m.RecordReceived,
		OnRuleSkipped: func(skip *errspkg.RuleEvaluationSkip) {
			m.RecordRuleSkip(skip.Rule)
		},
		OnViolation: func(v events.ViolationEvent) {
			m.RecordViolation(v.Rule)
		},
		OnInference: func(result Inference) {
			m.RecordInference(result.Duration, result.Err)
		},
		OnRiskPublished: func(evt events.RiskEvent) {
			m.RecordRiskPublished(evt.ViolationRule)
		},
		OnDrop: func(d Drop) {
			m.RecordDrop(d.Stage, d.Reason)
		},
	}
}
