/*
Package runtime provides the event processing core of slaflow.

# Architecture Overview

The runtime package runs the detection and enrichment halves of the pipeline
on a Watermill router. Every handler is a consumer: it acknowledges its
input and publishes explicitly, so each outgoing message gets its own retry
policy and its own dead letter.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Message router (Watermill) and the event-bus transport
  - Middleware chain
  - Detector and Enricher
  - Enrichment worker pool and the bus bridge to the risk bus
  - HTTP servers for metrics and the WebUI

## Detection (detector.go)

Evaluates each delivery record against the rule engine and publishes one
violation per breached rule. A violation that cannot be published is
dropped on its own.

## Enrichment (enricher.go, pool.go)

Dispatches each violation to a bounded worker pool. A worker derives the
feature vector, calls the scorer with retries and queues the risk event on
the bus bridge.

## Drops (hooks.go, deadletter.go)

Every message the pipeline gives up on goes through one drop path:
  - the error is classified into a DropReason
  - PipelineHooks.OnDrop observes it
  - a DeadLetter goes to the configured DeadLetterSink

## Stats & Monitoring (stats.go, metrics.go)

Per-handler latency percentiles, throughput, error breakdown and backlog,
plus pipeline-wide Prometheus counters.

## WebUI (webui.go)

HTTP API for introspecting handler state and a health endpoint.

# Sub-packages

  - bridge/: bounded queue between the enrichment workers and the risk bus
  - config/: configuration loading and validation
  - errors/: sentinel errors and error types
  - events/: wire schemas of every message kind
  - features/: feature derivation for the inference service
  - handlers/: message context types and JSON handler building
  - ids/: ULID generation for message IDs
  - inference/: HTTP client of the inference service
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - retry/: bounded exponential backoff
  - riskbus/: NATS publisher for risk events
  - rules/: threshold rule engine
  - transport/: event-bus transport factory

# Usage Example

	conf, err := config.Load("")
	if err != nil {
		return err
	}

	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{
		Mode: runtime.ModeAll,
	})
	if err != nil {
		return err
	}

	return svc.Start(ctx)
*/
package runtime
