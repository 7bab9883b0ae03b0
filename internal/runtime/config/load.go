package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default returns the configuration used when no environment variable is set.
func Default() *Config {
	return &Config{
		ServiceID:             "eventmanager",
		RiskSource:            "analytics",
		PubSubSystem:          "mqtt",
		MQTTHost:              "localhost",
		MQTTPort:              1883,
		MQTTQoS:               1,
		KafkaConsumerGroup:    "slaflow",
		JetStreamStream:       "SLAFLOW",
		JetStreamMaxDeliver:   3,
		JetStreamAckWait:      30 * time.Second,
		RawTopic:              "iot/deliveries/raw",
		ViolationTopic:        "iot/deliveries/events",
		RiskNATSURL:           "nats://localhost:4222",
		RiskSubject:           "analytics.risk",
		ThresholdTimeTakenMin: 30,
		ThresholdDistanceKm:   20,
		InferenceURL:          "http://localhost:9000/predict",
		InferenceTimeout:      3 * time.Second,
		InferenceMaxAttempts:  3,
		PublishMaxAttempts:    3,
		RetryInitialInterval:  200 * time.Millisecond,
		RetryMaxInterval:      2 * time.Second,
		BridgeQueueSize:       256,
		BridgeEnqueueTimeout:  2 * time.Second,
		EnrichmentWorkers:     4,
		EnrichmentQueueSize:   64,
		ShutdownTimeout:       10 * time.Second,
		MetricsEnabled:        true,
		MetricsPort:           9090,
		WebUIPort:             8081,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads the configuration from the environment. When envFile is set it
// is loaded first and must exist; otherwise a .env file in the working
// directory is picked up if present. Variables already present in the
// environment win over file entries. The result is validated.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from lookup, falling back to Default for every
// unset variable. Malformed values are reported together.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	d := Default()
	r := envReader{lookup: lookup}

	cfg := &Config{
		ServiceID:    r.str("SERVICE_ID", d.ServiceID),
		RiskSource:   r.str("RISK_SOURCE", d.RiskSource),
		PubSubSystem: strings.ToLower(r.str("EVENT_BUS", d.PubSubSystem)),

		MQTTHost:   r.str("MQTT_HOST", d.MQTTHost),
		MQTTPort:   r.integer("MQTT_PORT", d.MQTTPort),
		MQTTQoS:    byte(r.integer("MQTT_QOS", int(d.MQTTQoS))),
		MQTTRetain: r.flag("MQTT_RETAIN", d.MQTTRetain),

		KafkaBrokers:       r.list("KAFKA_BROKERS"),
		KafkaConsumerGroup: r.str("KAFKA_CONSUMER_GROUP", d.KafkaConsumerGroup),
		RabbitMQURL:        r.str("RABBITMQ_URL", ""),
		EventNATSURL:       r.str("EVENT_NATS_URL", ""),
		HTTPServerAddress:  r.str("HTTP_SERVER_ADDRESS", ""),
		HTTPPublisherURL:   r.str("HTTP_PUBLISHER_URL", ""),

		JetStreamStream:     r.str("JETSTREAM_STREAM", d.JetStreamStream),
		JetStreamMaxDeliver: r.integer("JETSTREAM_MAX_DELIVER", d.JetStreamMaxDeliver),
		JetStreamAckWait:    r.duration("JETSTREAM_ACK_WAIT", d.JetStreamAckWait),

		AWSRegion:          r.str("AWS_REGION", ""),
		AWSAccountID:       r.str("AWS_ACCOUNT_ID", ""),
		AWSAccessKeyID:     r.str("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: r.str("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpoint:        r.str("AWS_ENDPOINT", ""),

		RawTopic:        r.str("RAW_TOPIC", d.RawTopic),
		ViolationTopic:  r.str("VIOLATION_TOPIC", d.ViolationTopic),
		DeadLetterTopic: r.str("DEAD_LETTER_TOPIC", ""),

		RiskNATSURL:   r.str("NATS_URL", d.RiskNATSURL),
		RiskSubject:   r.str("RISK_SUBJECT", d.RiskSubject),
		RiskJetStream: r.flag("RISK_JETSTREAM", d.RiskJetStream),

		ThresholdTimeTakenMin: r.number("THRESHOLD_TIME_TAKEN_MIN", d.ThresholdTimeTakenMin),
		ThresholdDistanceKm:   r.number("THRESHOLD_DISTANCE_KM", d.ThresholdDistanceKm),

		InferenceURL:         r.str("INFERENCE_URL", d.InferenceURL),
		InferenceTimeout:     r.duration("INFERENCE_TIMEOUT", d.InferenceTimeout),
		InferenceMaxAttempts: r.integer("INFERENCE_MAX_ATTEMPTS", d.InferenceMaxAttempts),

		PublishMaxAttempts:   r.integer("PUBLISH_MAX_ATTEMPTS", d.PublishMaxAttempts),
		RetryInitialInterval: r.duration("RETRY_INITIAL_INTERVAL", d.RetryInitialInterval),
		RetryMaxInterval:     r.duration("RETRY_MAX_INTERVAL", d.RetryMaxInterval),

		BridgeQueueSize:      r.integer("BRIDGE_QUEUE_SIZE", d.BridgeQueueSize),
		BridgeEnqueueTimeout: r.duration("BRIDGE_ENQUEUE_TIMEOUT", d.BridgeEnqueueTimeout),

		EnrichmentWorkers:   r.integer("ENRICHMENT_WORKERS", d.EnrichmentWorkers),
		EnrichmentQueueSize: r.integer("ENRICHMENT_QUEUE_SIZE", d.EnrichmentQueueSize),

		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", d.ShutdownTimeout),

		MetricsEnabled: r.flag("METRICS_ENABLED", d.MetricsEnabled),
		MetricsPort:    r.integer("METRICS_PORT", d.MetricsPort),
		WebUIEnabled:   r.flag("WEBUI_ENABLED", d.WebUIEnabled),
		WebUIPort:      r.integer("WEBUI_PORT", d.WebUIPort),

		LogLevel:  r.str("LOG_LEVEL", d.LogLevel),
		LogFormat: r.str("LOG_FORMAT", d.LogFormat),
	}
	cfg.MQTTClientID = r.str("MQTT_CLIENT_ID", "slaflow-"+cfg.ServiceID)

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (r *envReader) number(key string, fallback float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (r *envReader) flag(key string, fallback bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

// duration accepts Go duration strings and bare numbers, read as seconds.
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (r *envReader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
