package eventstore

import (
	"context"
	"time"

	"eventledger/domain"
)

// Table is the narrow append-only store port the event store writes through.
// Implementations are injected at construction.
type Table interface {
	// InsertBatch conditionally inserts all events of a single aggregate as
	// one atomic write. It returns domain.ErrConcurrencyConflict when any
	// (aggregateId, version) key already exists and domain.ErrThrottled when
	// the backing store signals capacity exhaustion. No partial application.
	InsertBatch(ctx context.Context, events []domain.Event) error

	// ListByAggregate returns an aggregate's events in ascending version
	// order, optionally bounded inclusively on both ends.
	ListByAggregate(ctx context.Context, aggregateID string, fromVersion, toVersion *int) ([]domain.Event, error)

	// ListByTypeAndTime scans events of one type within [start, end),
	// returning at most limit rows.
	ListByTypeAndTime(ctx context.Context, eventType string, start, end time.Time, limit int) ([]domain.Event, error)
}

// Publisher delivers appended events to the change feed that drives the
// projection side. Delivery is at-least-once; consumers must tolerate
// redelivery.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}
