package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "slaflow"

// PipelineMetrics tracks pipeline outcomes both as Prometheus collectors and
// as in-process counters served on the handler stats endpoint.
type PipelineMetrics struct {
	mu sync.RWMutex

	counts pipelineCounts

	receivedTotal      *prometheus.CounterVec
	violationsTotal    *prometheus.CounterVec
	ruleSkipsTotal     *prometheus.CounterVec
	riskPublishedTotal *prometheus.CounterVec
	droppedTotal       *prometheus.CounterVec
	inferenceSeconds   *prometheus.HistogramVec
	bridgeQueueDepth   prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

type pipelineCounts struct {
	received      map[string]uint64
	violations    map[string]uint64
	ruleSkips     map[string]uint64
	riskPublished uint64
	inferenceOK   uint64
	inferenceFail uint64
	dropped       map[DropReason]uint64
}

func newPipelineCounts() pipelineCounts {
	return pipelineCounts{
		received:   make(map[string]uint64),
		violations: make(map[string]uint64),
		ruleSkips:  make(map[string]uint64),
		dropped:    make(map[DropReason]uint64),
	}
}

// PipelineSnapshot provides a point-in-time view of the pipeline counters.
type PipelineSnapshot struct {
	Received          map[string]uint64     `json:"received"`
	Violations        map[string]uint64     `json:"violations"`
	RuleSkips         map[string]uint64     `json:"rule_skips"`
	RiskPublished     uint64                `json:"risk_published"`
	InferenceOK       uint64                `json:"inference_ok"`
	InferenceFailures uint64                `json:"inference_failures"`
	Dropped           map[DropReason]uint64 `json:"dropped"`
	CollectedAt       time.Time             `json:"collected_at"`
}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPipelineMetrics creates the collectors. Nothing is registered until
// Register is called.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		counts:             newPipelineCounts(),
		registerer:         registerer,
		receivedTotal:      newPipelineCounterVec("messages_received_total", "Messages taken off an event-bus topic", []string{"kind"}),
		violationsTotal:    newPipelineCounterVec("violations_total", "Violations published on the violation topic", []string{"rule"}),
		ruleSkipsTotal:     newPipelineCounterVec("rule_skips_total", "Rules that could not be evaluated against a record", []string{"rule"}),
		riskPublishedTotal: newPipelineCounterVec("risk_events_total", "Risk events handed to the bus bridge", []string{"rule"}),
		droppedTotal:       newPipelineCounterVec("dropped_total", "Messages dropped by the pipeline", []string{"stage", "reason"}),
		inferenceSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "inference",
				Name:      "duration_seconds",
				Help:      "Time spent scoring one violation, retries included",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"outcome"},
		),
		bridgeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Risk events waiting in the bus bridge queue",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedTotal,
		m.violationsTotal,
		m.ruleSkipsTotal,
		m.riskPublishedTotal,
		m.droppedTotal,
		m.inferenceSeconds,
		m.bridgeQueueDepth,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *PipelineMetrics) RecordReceived(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.received[kind]++
	m.receivedTotal.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) RecordViolation(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.violations[rule]++
	m.violationsTotal.WithLabelValues(rule).Inc()
}

func (m *PipelineMetrics) RecordRuleSkip(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.ruleSkips[rule]++
	m.ruleSkipsTotal.WithLabelValues(rule).Inc()
}

// RecordInference observes one scoring call. A non-nil err counts as a
// failure.
func (m *PipelineMetrics) RecordInference(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "unavailable"
		m.counts.inferenceFail++
	} else {
		m.counts.inferenceOK++
	}
	m.inferenceSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordRiskPublished(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.riskPublished++
	m.riskPublishedTotal.WithLabelValues(rule).Inc()
}

func (m *PipelineMetrics) RecordDrop(stage Stage, reason DropReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts.dropped[reason]++
	m.droppedTotal.WithLabelValues(string(stage), string(reason)).Inc()
}

// SetBridgeQueueDepth publishes the current bridge backlog.
func (m *PipelineMetrics) SetBridgeQueueDepth(n int) {
	m.bridgeQueueDepth.Set(float64(n))
}

// GetSnapshot returns a copy of the in-process counters.
func (m *PipelineMetrics) GetSnapshot() PipelineSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := PipelineSnapshot{
		Received:          make(map[string]uint64, len(m.counts.received)),
		Violations:        make(map[string]uint64, len(m.counts.violations)),
		RuleSkips:         make(map[string]uint64, len(m.counts.ruleSkips)),
		Dropped:           make(map[DropReason]uint64, len(m.counts.dropped)),
		RiskPublished:     m.counts.riskPublished,
		InferenceOK:       m.counts.inferenceOK,
		InferenceFailures: m.counts.inferenceFail,
		CollectedAt:       time.Now(),
	}
	for k, v := range m.counts.received {
		snapshot.Received[k] = v
	}
	for k, v := range m.counts.violations {
		snapshot.Violations[k] = v
	}
	for k, v := range m.counts.ruleSkips {
		snapshot.RuleSkips[k] = v
	}
	for k, v := range m.counts.dropped {
		snapshot.Dropped[k] = v
	}
	return snapshot
}

// Reset resets all metrics (useful for testing).
func (m *PipelineMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts = newPipelineCounts()
	m.receivedTotal.Reset()
	m.violationsTotal.Reset()
	m.ruleSkipsTotal.Reset()
	m.riskPublishedTotal.Reset()
	m.droppedTotal.Reset()
	m.inferenceSeconds.Reset()
	m.bridgeQueueDepth.Set(0)
}
