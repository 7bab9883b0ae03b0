package handlers

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// MessageContextBase holds the metadata and logger shared by every typed
// handler context.
type MessageContextBase struct {
	Metadata message.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing events without touching the original map.
func (b MessageContextBase) CloneMetadata() message.Metadata {
	if b.Metadata == nil {
		return message.Metadata{}
	}
	return maps.Clone(b.Metadata)
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.Get(MetadataKeyCorrelationID)
}
