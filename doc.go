// Package slaflow detects SLA violations in a stream of delivery records and
// enriches every violation with a lateness prediction.
//
// The pipeline has two halves that can run together or as separate
// processes. Detection subscribes to the raw delivery topic of the event
// bus, evaluates each record against the threshold rules and publishes one
// violation per breached rule on the violation topic. Enrichment subscribes
// to the violation topic, derives a fixed-shape feature vector, calls the
// inference service and hands the resulting risk event to the bus bridge,
// which publishes it on the NATS risk bus.
//
// # Transports
//
// The event bus is read from Config.PubSubSystem:
//   - mqtt: the default, as deployed next to the telemetry source
//   - channel: in-memory Go channels for single-process runs and tests
//   - kafka, rabbitmq, nats, http, aws: the Watermill transports
//
// # Failure handling
//
// Publishing and inference are retried with exponential backoff. A message
// the pipeline gives up on is dropped through a single path that logs it,
// counts it by stage and reason and hands a DeadLetter to the configured
// DeadLetterSink. Messages are always acknowledged, so a poison message is
// never redelivered in a loop.
//
// # Middleware
//
// The default chain adds correlation IDs, trace logging, OpenTelemetry
// spans, Prometheus router metrics, the drop path and panic recovery.
// Custom middleware can be added via ServiceDependencies.Middlewares.
package slaflow
