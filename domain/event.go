package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact recorded against an aggregate. Once persisted it
// is never updated or deleted.
type Event struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	AggregateID      string         `json:"aggregateId"`
	AggregateVersion int            `json:"aggregateVersion"`
	Timestamp        time.Time      `json:"timestamp"`
	Payload          map[string]any `json:"payload"`
	Metadata         Metadata       `json:"metadata"`
}

// Metadata carries tracing and provenance fields alongside the payload.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`
}

// NewEvent creates an event for the given aggregate. AggregateVersion starts
// at 1 and must increase by exactly one per event within an aggregate.
func NewEvent(eventType, aggregateID string, version int, payload map[string]any) Event {
	return Event{
		ID:               uuid.NewString(),
		Type:             eventType,
		AggregateID:      aggregateID,
		AggregateVersion: version,
		Timestamp:        time.Now().UTC(),
		Payload:          payload,
	}
}
