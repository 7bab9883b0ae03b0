package handlers

// Metadata keys set by slaflow on the messages it publishes or dead-letters.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventKind names the schema of the payload (delivery,
	// violation, risk).
	MetadataKeyEventKind = "slaflow_event_kind"

	// MetadataKeySourceID is the id of the service that produced the message.
	MetadataKeySourceID = "slaflow_source_id"

	// MetadataKeyDropReason is set on dead letters.
	MetadataKeyDropReason = "slaflow_drop_reason"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
