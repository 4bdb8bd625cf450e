package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrencyConflict indicates that a conditional write lost the race
	// on (aggregateId, version). The caller must re-read the current version
	// and retry with a freshly computed one.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound indicates the referenced aggregate, schema or document does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrThrottled indicates the backing store signalled capacity exhaustion.
	// The event store retries this with backoff before surfacing it.
	ErrThrottled = errors.New("storage throttled")

	// ErrRateLimited indicates a client exceeded its request quota. Never
	// retried internally.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSequenceGap indicates an incoming event's version is not exactly one
	// greater than the last applied version, so applying it would skip state.
	// The delivery mechanism should redeliver the missing events first.
	ErrSequenceGap = errors.New("event sequence gap")
)

// ValidationError reports an event whose payload does not satisfy the
// registered schema. Not retryable.
type ValidationError struct {
	EventID   string
	EventType string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s (%s) failed validation: %s", e.EventID, e.EventType, strings.Join(e.Problems, "; "))
}

// CompatibilityError reports a schema evolution that would break existing
// consumers. Registration is aborted; not retryable.
type CompatibilityError struct {
	SchemaName string
	Violations []string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("schema %s is not backward compatible: %s", e.SchemaName, strings.Join(e.Violations, "; "))
}
