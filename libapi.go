package slaflow

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/slaflow/internal/runtime"
	"github.com/drblury/slaflow/internal/runtime/bridge"
	configpkg "github.com/drblury/slaflow/internal/runtime/config"
	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	"github.com/drblury/slaflow/internal/runtime/features"
	handlerpkg "github.com/drblury/slaflow/internal/runtime/handlers"
	idspkg "github.com/drblury/slaflow/internal/runtime/ids"
	"github.com/drblury/slaflow/internal/runtime/inference"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
	"github.com/drblury/slaflow/internal/runtime/riskbus"
	"github.com/drblury/slaflow/internal/runtime/rules"
	transportpkg "github.com/drblury/slaflow/internal/runtime/transport"
	newtransport "github.com/drblury/slaflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Mode                = runtimepkg.Mode
	TransportFactory    = transportpkg.Factory
	Transport           = newtransport.Transport

	ConsumerHandlerRegistration    = runtimepkg.ConsumerHandlerRegistration
	JSONHandlerRegistration[T any] = runtimepkg.JSONHandlerRegistration[T]
	JSONMessageContext[T any]      = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]      = handlerpkg.JSONMessageHandler[T]
	MessageContextBase             = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo      = runtimepkg.HandlerInfo
	HandlerStats     = runtimepkg.HandlerStats
	PipelineHooks    = runtimepkg.PipelineHooks
	PipelineMetrics  = runtimepkg.PipelineMetrics
	PipelineSnapshot = runtimepkg.PipelineSnapshot
	Stage            = runtimepkg.Stage
	Drop             = runtimepkg.Drop
	DropReason       = runtimepkg.DropReason
	Inference        = runtimepkg.Inference
	DeadLetter       = runtimepkg.DeadLetter
	DeadLetterSink   = runtimepkg.DeadLetterSink

	DeliveryRecord   = events.DeliveryRecord
	DeliveryEvent    = events.DeliveryEvent
	ViolationEvent   = events.ViolationEvent
	FeatureVector    = events.FeatureVector
	PredictionResult = events.PredictionResult
	RiskEvent        = events.RiskEvent

	Rule       = rules.Rule
	RuleEngine = rules.Engine
	Scorer     = inference.Scorer
	RiskSink   = bridge.Sink

	DecodeError          = errspkg.DecodeError
	RuleEvaluationSkip   = errspkg.RuleEvaluationSkip
	InferenceUnavailable = errspkg.InferenceUnavailable
	PublishFailure       = errspkg.PublishFailure

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	ModeAll    = runtimepkg.ModeAll
	ModeDetect = runtimepkg.ModeDetect
	ModeEnrich = runtimepkg.ModeEnrich

	FeatureSchemaVersion = features.SchemaVersion
)

// Drop reasons reported on dead letters and the dropped_total metric.
const (
	DropDecode       = runtimepkg.DropDecode
	DropInference    = runtimepkg.DropInference
	DropPublish      = runtimepkg.DropPublish
	DropBridgeFull   = runtimepkg.DropBridgeFull
	DropBridgeClosed = runtimepkg.DropBridgeClosed
	DropPoolClosed   = runtimepkg.DropPoolClosed
	DropPanic        = runtimepkg.DropPanic
	DropHandler      = runtimepkg.DropHandler
)

var (
	DefaultConfig = configpkg.Default
	LoadConfig    = configpkg.Load

	RegisterConsumerHandler = runtimepkg.RegisterConsumerHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	DropMiddleware          = runtimepkg.DropMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	ClassifyDrop  = runtimepkg.ClassifyDrop
	NewDeadLetter = runtimepkg.NewDeadLetter

	NewRuleEngine = rules.NewEngine
	DefaultRules  = rules.Defaults
	FromViolation = features.FromViolation
	FromRecord    = features.FromRecord
	NewScorer     = inference.New
	ConnectRisk   = riskbus.Connect

	DecodeDelivery  = events.DecodeDelivery
	DecodeViolation = events.DecodeViolation

	StaticTransport          = transportpkg.Static
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrBridgeClosed         = errspkg.ErrBridgeClosed
	ErrBridgeFull           = errspkg.ErrBridgeFull
	ErrPoolClosed           = errspkg.ErrPoolClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogHandler        = loggingpkg.NewHandler

	NewEventID = idspkg.New
)

// Metadata keys set on every message the pipeline publishes.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventKind     = handlerpkg.MetadataKeyEventKind
	MetadataKeySourceID      = handlerpkg.MetadataKeySourceID
	MetadataKeyDropReason    = handlerpkg.MetadataKeyDropReason
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID
)

func NewService(ctx context.Context, conf *Config, log ServiceLogger, deps ServiceDependencies) (*Service, error) {
	return runtimepkg.NewService(ctx, conf, log, deps)
}

func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

// NewRiskEvent builds the risk event for a scored violation, stamped with
// the current schema version.
func NewRiskEvent(v ViolationEvent, source string, fv FeatureVector, pred PredictionResult, now time.Time) RiskEvent {
	return events.NewRiskEvent(v, source, features.SchemaVersion, fv, pred, now)
}
