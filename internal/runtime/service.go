package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drblury/slaflow/internal/runtime/bridge"
	configpkg "github.com/drblury/slaflow/internal/runtime/config"
	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	"github.com/drblury/slaflow/internal/runtime/inference"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
	"github.com/drblury/slaflow/internal/runtime/retry"
	"github.com/drblury/slaflow/internal/runtime/riskbus"
	"github.com/drblury/slaflow/internal/runtime/rules"
	transportpkg "github.com/drblury/slaflow/internal/runtime/transport"
	"github.com/drblury/slaflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Mode selects which halves of the pipeline a service runs.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeDetect Mode = "detect"
	ModeEnrich Mode = "enrich"
)

func (m Mode) detects() bool  { return m == "" || m == ModeAll || m == ModeDetect }
func (m Mode) enriches() bool { return m == "" || m == ModeAll || m == ModeEnrich }

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields are built from the configuration.
type ServiceDependencies struct {
	// Mode defaults to ModeAll.
	Mode             Mode
	TransportFactory transportpkg.Factory
	// Scorer defaults to an HTTP client on INFERENCE_URL.
	Scorer inference.Scorer
	// RiskSink defaults to a NATS connection on NATS_URL. The bridge owns
	// and closes it.
	RiskSink bridge.Sink
	// DeadLetters defaults to the dead-letter topic when configured and to
	// a log-only sink otherwise.
	DeadLetters DeadLetterSink
	// Hooks run after the built-in metrics and logging hooks.
	Hooks PipelineHooks
	// Registerer defaults to prometheus.DefaultRegisterer. When it is also a
	// Gatherer, /metrics serves it.
	Registerer                prometheus.Registerer
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Now is the clock stamped on risk events and dead letters.
	Now func() time.Time
}

// Service wires the event-bus transport, the Watermill router with its
// middleware chain, and the detection and enrichment handlers.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	mode       Mode
	transport  transport.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	registerer prometheus.Registerer

	hooks   PipelineHooks
	metrics *PipelineMetrics
	drops   *dropper

	detector *Detector
	enricher *Enricher
	pool     *Pool
	bridge   *bridge.Bridge

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService builds a Service for conf. Failing to build the event-bus
// transport or to connect the risk bus is returned as an error; nothing is
// left open in that case.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	mode := deps.Mode
	if mode == "" {
		mode = ModeAll
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating pipeline service", loggingpkg.LogFields{
		"mode":          mode,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		mode:       mode,
		registerer: deps.Registerer,
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build event bus transport: %w", err)
	}
	s.transport = t
	s.publisher = t.Publisher
	s.subscriber = t.Subscriber
	if t.Shared() {
		s.subscriber = keepOpenSubscriber{t.Subscriber}
	}

	if err := s.init(deps); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(deps ServiceDependencies) error {
	conf := s.Conf

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ShutdownTimeout}, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.metrics = NewPipelineMetrics(s.getRegisterer())
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register pipeline metrics: %w", err)
		}
	}
	s.hooks = MetricsHooks(s.metrics).Merge(LoggingHooks(s.Logger)).Merge(deps.Hooks)

	sink := deps.DeadLetters
	if sink == nil {
		sink, err = s.defaultDeadLetterSink()
		if err != nil {
			return err
		}
	}
	s.drops = &dropper{logger: s.Logger, hooks: s.hooks, sink: sink, now: deps.Now}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if s.mode.detects() {
		if err := s.setupDetection(); err != nil {
			return err
		}
	}
	if s.mode.enriches() {
		if err := s.setupEnrichment(deps, now); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) defaultDeadLetterSink() (DeadLetterSink, error) {
	if s.Conf.DeadLetterTopic == "" {
		return LogDeadLetterSink{Logger: s.Logger}, nil
	}
	return NewTopicDeadLetterSink(s.publisher, s.Conf.DeadLetterTopic, s.Conf.PubSubSystem)
}

func (s *Service) publishPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     s.Conf.PublishMaxAttempts,
		InitialInterval: s.Conf.RetryInitialInterval,
		MaxInterval:     s.Conf.RetryMaxInterval,
		Notify: func(err error, wait time.Duration) {
			s.Logger.Debug("Retrying publish", loggingpkg.LogFields{"error": err.Error(), "wait": wait.String()})
		},
	}
}

func (s *Service) setupDetection() error {
	conf := s.Conf

	engine, err := rules.NewEngine(conf.ServiceID, rules.Defaults(conf.ThresholdTimeTakenMin, conf.ThresholdDistanceKm)...)
	if err != nil {
		return fmt.Errorf("build rule engine: %w", err)
	}
	violations, err := NewViolationPublisher(s.publisher, conf.ViolationTopic, conf.PubSubSystem, s.publishPolicy())
	if err != nil {
		return err
	}

	s.detector = &Detector{
		engine:     engine,
		violations: violations,
		hooks:      s.hooks,
		drops:      s.drops,
		sourceID:   conf.ServiceID,
	}
	return RegisterJSONHandler(s, JSONHandlerRegistration[events.DeliveryEvent]{
		Name:    "detect",
		Topic:   conf.RawTopic,
		Kind:    events.KindDelivery,
		Decode:  events.DecodeDelivery,
		Handler: s.detector.Handle,
	})
}

func (s *Service) setupEnrichment(deps ServiceDependencies, now func() time.Time) error {
	conf := s.Conf

	scorer := deps.Scorer
	if scorer == nil {
		client, err := inference.New(conf.InferenceURL, conf.InferenceTimeout)
		if err != nil {
			return err
		}
		scorer = client
	}

	riskSink := deps.RiskSink
	if riskSink == nil {
		publisher, err := riskbus.Connect(riskbus.Config{
			URL:       conf.RiskNATSURL,
			Name:      "slaflow-" + conf.ServiceID,
			JetStream: conf.RiskJetStream,
			OnAsyncFailure: func(subject string, payload []byte, err error) {
				s.dropRisk(subject, payload, err)
			},
		}, s.Logger)
		if err != nil {
			return err
		}
		riskSink = publisher
	}

	s.bridge = bridge.New(riskSink, bridge.Options{
		QueueSize:      conf.BridgeQueueSize,
		EnqueueTimeout: conf.BridgeEnqueueTimeout,
		Logger:         s.Logger,
		OnFailure: func(f bridge.Failure) {
			s.dropRisk(f.Subject, f.Payload, f.Err)
		},
	})
	s.pool = NewPool(conf.EnrichmentWorkers, conf.EnrichmentQueueSize, s.Logger)

	s.enricher = &Enricher{
		scorer:  scorer,
		sink:    s.bridge,
		subject: conf.RiskSubject,
		source:  conf.RiskSource,
		topic:   conf.ViolationTopic,
		policy: retry.Policy{
			MaxAttempts:     conf.InferenceMaxAttempts,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
		},
		pool:       s.pool,
		hooks:      s.hooks,
		drops:      s.drops,
		tracer:     newTracer(),
		now:        now,
		queueDepth: s.bridge.Len,
		observe:    s.metrics.SetBridgeQueueDepth,
	}
	return RegisterJSONHandler(s, JSONHandlerRegistration[events.ViolationEvent]{
		Name:    "enrich",
		Topic:   conf.ViolationTopic,
		Kind:    events.KindViolation,
		Decode:  events.DecodeViolation,
		Handler: s.enricher.Handle,
	})
}

// dropRisk records a risk event the risk bus did not take.
func (s *Service) dropRisk(subject string, payload []byte, err error) {
	var failure *errspkg.PublishFailure
	if !errors.As(err, &failure) {
		err = &errspkg.PublishFailure{Bus: riskbus.BusName, Topic: subject, Err: err}
	}
	s.drops.Drop(context.Background(), Drop{
		Stage:   StageScored,
		Reason:  DropPublish,
		Kind:    events.KindRisk,
		Topic:   subject,
		Payload: payload,
		Err:     err,
	})
}

// Start runs the router until ctx is cancelled or the router is closed, then
// shuts the pipeline down in order.
func (s *Service) Start(ctx context.Context) error {
	s.StartWebUIServer()
	s.startHTTPServers()
	s.logBanner()

	runErr := routerRun(s.router, ctx)
	return errors.Join(runErr, s.Close())
}

// Running is closed once the router has subscribed to every topic.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Publisher is the event-bus publisher the service uses.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Metrics exposes the pipeline counters.
func (s *Service) Metrics() *PipelineMetrics { return s.metrics }

// Close stops the router, drains the enrichment pool, drains the bridge and
// the risk bus behind it, then closes the event-bus transport. It is
// bounded by SHUTDOWN_TIMEOUT and safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		timeout := s.Conf.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if s.router != nil {
			if err := s.router.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close router: %w", err))
			}
		}
		if s.pool != nil {
			if err := s.pool.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain enrichment pool: %w", err))
			}
		}
		if s.bridge != nil {
			if err := s.bridge.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain bus bridge: %w", err))
			}
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event bus transport: %w", err))
		}
		errs = append(errs, s.stopHTTPServers(ctx)...)

		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Pipeline service stopped", nil)
	})
	return s.closeErr
}

// keepOpenSubscriber ignores Close. The router closes the subscriber of every
// handler it stops; when that subscriber is also the publisher, the drain in
// Close still needs it for dead letters. Subscriptions end when the router
// cancels their context, and the transport is closed last.
type keepOpenSubscriber struct {
	message.Subscriber
}

func (keepOpenSubscriber) Close() error { return nil }

// abort releases what NewService already opened.
func (s *Service) abort() {
	if s.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.bridge.Close(ctx)
		cancel()
	}
	_ = s.transport.Close()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getRegisterer() prometheus.Registerer {
	if s.registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return s.registerer
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.getRegisterer().(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) handlerKind(name string) string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, h := range s.handlers {
		if h.Name == name {
			return h.Kind
		}
	}
	return ""
}

func (s *Service) logBanner() {
	fields := loggingpkg.LogFields{
		"mode":      s.mode,
		"event_bus": s.Conf.PubSubSystem,
	}
	if s.mode.detects() {
		fields["raw_topic"] = s.Conf.RawTopic
		fields["threshold_time_taken_min"] = s.Conf.ThresholdTimeTakenMin
		fields["threshold_distance_km"] = s.Conf.ThresholdDistanceKm
	}
	fields["violation_topic"] = s.Conf.ViolationTopic
	if s.mode.enriches() {
		fields["risk_subject"] = s.Conf.RiskSubject
		fields["inference_url"] = s.Conf.InferenceURL
		fields["enrichment_workers"] = s.Conf.EnrichmentWorkers
	}
	if s.Conf.DeadLetterTopic != "" {
		fields["dead_letter_topic"] = s.Conf.DeadLetterTopic
	}
	s.Logger.Info("slaflow pipeline starting", fields)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(mux, "slaflow-ops"),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) []error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server %s: %w", srv.Addr, err))
		}
	}
	s.servers = nil
	return errs
}
