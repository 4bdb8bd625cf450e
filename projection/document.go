// Package projection folds the ordered event stream into denormalized,
// versioned read models held in a searchable document store.
package projection

import (
	"context"
	"time"
)

// Document is one aggregate's read model. Version tracks the last applied
// aggregate version and never decreases; writes carrying an older version
// are stale deliveries and are discarded.
type Document struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	LastUpdated    time.Time      `json:"lastUpdated"`
	Status         string         `json:"status,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	SearchableText string         `json:"searchableText,omitempty"`

	// etag is the storage concurrency token, filled by reads and consumed
	// by conditional writes. Never serialized.
	etag string
}

// Query filters and pages the read-model collection.
type Query struct {
	// Status filters on the document status when non-empty.
	Status string
	// Fields holds equality filters on projected fields.
	Fields map[string]any
	// Search matches against the searchable text.
	Search string
	// SortBy names a projected field; empty sorts by id.
	SortBy     string
	Descending bool
	Limit      int
	Offset     int
}

// DocumentStore is the narrow port the projection writes read models
// through. Implementations are injected at construction.
type DocumentStore interface {
	// Get returns the document, or (nil, nil) when it does not exist.
	Get(ctx context.Context, id string) (*Document, error)
	// Upsert writes the document conditionally: expectedVersion 0 requires
	// a create, otherwise the stored document must still be at
	// expectedVersion. A lost condition returns
	// domain.ErrConcurrencyConflict.
	Upsert(ctx context.Context, doc Document, expectedVersion int) error
	// Query returns matching documents.
	Query(ctx context.Context, q Query) ([]Document, error)
	// Delete removes a document. Used by operators, not by event handling:
	// read models are retired by status, not deleted.
	Delete(ctx context.Context, id string) error
}
