package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.PubSubSystem)
	assert.Equal(t, "iot/deliveries/raw", cfg.RawTopic)
	assert.Equal(t, "iot/deliveries/events", cfg.ViolationTopic)
	assert.Equal(t, "analytics.risk", cfg.RiskSubject)
	assert.Equal(t, "http://localhost:9000/predict", cfg.InferenceURL)
	assert.Equal(t, 3*time.Second, cfg.InferenceTimeout)
	assert.Equal(t, "slaflow-eventmanager", cfg.MQTTClientID)
	assert.Equal(t, 4, cfg.EnrichmentWorkers)
	assert.Empty(t, cfg.DeadLetterTopic)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"SERVICE_ID":               "em-2",
		"EVENT_BUS":                "KAFKA",
		"KAFKA_BROKERS":            "k1:9092, k2:9092,",
		"THRESHOLD_TIME_TAKEN_MIN": "45.5",
		"THRESHOLD_DISTANCE_KM":    "12",
		"INFERENCE_TIMEOUT":        "1.5",
		"BRIDGE_ENQUEUE_TIMEOUT":   "250ms",
		"RISK_JETSTREAM":           "true",
		"MQTT_QOS":                 "0",
		"ENRICHMENT_WORKERS":       "0",
		"LOG_LEVEL":                " debug ",
		"JETSTREAM_STREAM":         "DELIVERIES",
		"JETSTREAM_MAX_DELIVER":    "5",
		"JETSTREAM_ACK_WAIT":       "45s",
	}))
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.PubSubSystem)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45.5, cfg.ThresholdTimeTakenMin)
	assert.Equal(t, 12.0, cfg.ThresholdDistanceKm)
	assert.Equal(t, 1500*time.Millisecond, cfg.InferenceTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.BridgeEnqueueTimeout)
	assert.True(t, cfg.RiskJetStream)
	assert.Equal(t, byte(0), cfg.MQTTQoS)
	assert.Equal(t, 0, cfg.EnrichmentWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "slaflow-em-2", cfg.MQTTClientID)
	assert.Equal(t, "DELIVERIES", cfg.JetStreamStream)
	assert.Equal(t, 5, cfg.JetStreamMaxDeliver)
	assert.Equal(t, 45*time.Second, cfg.JetStreamAckWait)
}

func TestFromEnvReportsAllMalformedValues(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{
		"MQTT_PORT":             "eighteen",
		"THRESHOLD_DISTANCE_KM": "far",
		"RISK_JETSTREAM":        "maybe",
		"INFERENCE_TIMEOUT":     "soon",
	}))
	require.Error(t, err)
	for _, key := range []string{"MQTT_PORT", "THRESHOLD_DISTANCE_KM", "RISK_JETSTREAM", "INFERENCE_TIMEOUT"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestFromEnvBlankValueFallsBack(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{"RAW_TOPIC": "   "}))
	require.NoError(t, err)
	assert.Equal(t, "iot/deliveries/raw", cfg.RawTopic)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slaflow.env")
	require.NoError(t, os.WriteFile(path, []byte("RISK_SUBJECT=fleet.risk\nTHRESHOLD_DISTANCE_KM=25\n"), 0o600))

	t.Setenv("RISK_SUBJECT", "")
	require.NoError(t, os.Unsetenv("RISK_SUBJECT"))
	t.Setenv("THRESHOLD_DISTANCE_KM", "30")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fleet.risk", cfg.RiskSubject)
	// process environment wins over the file
	assert.Equal(t, 30.0, cfg.ThresholdDistanceKm)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("EVENT_BUS", "kafka")
	t.Setenv("KAFKA_BROKERS", "")
	t.Chdir(t.TempDir())

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: brokers are required")
}
