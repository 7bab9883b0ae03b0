package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/slaflow/internal/runtime/config"
	"github.com/drblury/slaflow/internal/runtime/events"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
	"github.com/drblury/slaflow/transport/transporttest"
)

var fixedNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.PubSubSystem = "channel"
	conf.MetricsEnabled = false
	conf.RetryInitialInterval = time.Millisecond
	conf.RetryMaxInterval = 2 * time.Millisecond
	conf.BridgeEnqueueTimeout = 50 * time.Millisecond
	conf.ShutdownTimeout = 2 * time.Second
	return conf
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
	err     error
}

func (r *recordingDeadLetters) Send(_ context.Context, dl DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, dl)
	return r.err
}

func (r *recordingDeadLetters) Letters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetter(nil), r.letters...)
}

type stubScorer struct {
	mu    sync.Mutex
	calls []events.FeatureVector
	score func(ctx context.Context, fv events.FeatureVector) (events.PredictionResult, error)
}

func (s *stubScorer) Score(ctx context.Context, fv events.FeatureVector) (events.PredictionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fv)
	score := s.score
	s.mu.Unlock()
	if score == nil {
		return events.PredictionResult{ProbaLate: 0.9}, nil
	}
	return score(ctx, fv)
}

func (s *stubScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// recordingRiskSink satisfies both RiskSink and bridge.Sink.
type recordingRiskSink struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	closed   bool
}

func (r *recordingRiskSink) Publish(subject string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func (r *recordingRiskSink) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingRiskSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingRiskSink) Events(t *testing.T) []events.RiskEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.RiskEvent, 0, len(r.payloads))
	for _, p := range r.payloads {
		var evt events.RiskEvent
		require.NoError(t, jsoncodec.Unmarshal(p, &evt))
		out = append(out, evt)
	}
	return out
}

// newTestService builds a Service around a recording publisher and an idle
// subscriber, without going through NewService.
func newTestService(t *testing.T) (*Service, *recordingDeadLetters) {
	t.Helper()
	log := newTestLogger()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	require.NoError(t, err)

	metrics := NewPipelineMetrics(prometheus.NewRegistry())
	hooks := MetricsHooks(metrics)
	letters := &recordingDeadLetters{}

	return &Service{
		Conf:       newTestConfig(),
		Logger:     log,
		mode:       ModeAll,
		router:     router,
		publisher:  &transporttest.Publisher{},
		subscriber: &transporttest.Subscriber{},
		registerer: prometheus.NewRegistry(),
		metrics:    metrics,
		hooks:      hooks,
		drops:      &dropper{logger: log, hooks: hooks, sink: letters, now: func() time.Time { return fixedNow }},
	}, letters
}

func floatPtr(v float64) *float64 { return &v }

func deliveryPayload(t *testing.T, rec events.DeliveryRecord) []byte {
	t.Helper()
	payload, err := jsoncodec.Marshal(events.DeliveryEvent{
		EventType: events.DeliveryCreated,
		Source:    "telemetry",
		Delivery:  &rec,
	})
	require.NoError(t, err)
	return payload
}
