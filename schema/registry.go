package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"eventledger/domain"
)

// CompatibilityMode selects the check applied when a schema name already has
// registered versions.
type CompatibilityMode string

const (
	// CompatibilityBackward rejects evolutions that consumers of older
	// versions could not process.
	CompatibilityBackward CompatibilityMode = "BACKWARD"
	// CompatibilityNone skips the check. Intended for migrations only.
	CompatibilityNone CompatibilityMode = "NONE"
)

const registerAttempts = 2

// Registry owns the schema catalog: registration with compatibility
// enforcement, payload validation and cached reads.
type Registry struct {
	catalog Catalog
	cache   *Cache
}

var timeNow = time.Now

// NewRegistry creates a registry over the given catalog. cache may be built
// over a nil redis client to disable the lookaside.
func NewRegistry(catalog Catalog, cache *Cache) *Registry {
	return &Registry{catalog: catalog, cache: cache}
}

// RegisterSchema registers definition under name. The first registration of
// a name creates version 1 unconditionally; later registrations must pass
// the compatibility check for the given mode and become version N+1.
func (r *Registry) RegisterSchema(ctx context.Context, name, definition string, mode CompatibilityMode) (Record, error) {
	proposed, err := ParseDefinition(definition)
	if err != nil {
		return Record{}, err
	}

	for attempt := 0; attempt < registerAttempts; attempt++ {
		latest, err := r.catalog.Latest(ctx, name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rec, err := r.create(ctx, name, 1, definition)
			if errors.Is(err, ErrVersionExists) {
				// Lost the race to the first registration; re-read and go
				// through the versioning path.
				continue
			}
			return rec, err
		case err != nil:
			return Record{}, err
		}

		if mode != CompatibilityNone {
			current, err := ParseDefinition(latest.Definition)
			if err != nil {
				return Record{}, fmt.Errorf("stored definition for %s v%d: %w", name, latest.Version, err)
			}
			if violations := compare(current, proposed); len(violations) > 0 {
				return Record{}, &domain.CompatibilityError{SchemaName: name, Violations: violations}
			}
		}

		rec, err := r.create(ctx, name, latest.Version+1, definition)
		if errors.Is(err, ErrVersionExists) {
			continue
		}
		return rec, err
	}
	return Record{}, fmt.Errorf("register schema %s: %w", name, domain.ErrConcurrencyConflict)
}

func (r *Registry) create(ctx context.Context, name string, version int, definition string) (Record, error) {
	rec := Record{
		Name:       name,
		Version:    version,
		Definition: definition,
		VersionID:  uuid.NewString(),
		CreatedAt:  timeNow().UTC(),
	}
	if err := r.catalog.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	r.cache.evict(ctx, name)
	log.WithFields(log.Fields{"schema": name, "version": version}).Info("schema registered")
	return rec, nil
}

// Validate checks an event's payload against the current schema for its
// type. A missing schema is reported as a validation problem, not an
// infrastructure error, so the caller can surface it to the producer.
func (r *Registry) Validate(ctx context.Context, ev domain.Event) (bool, []string, error) {
	rec, err := r.GetSchema(ctx, ev.Type, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return false, []string{fmt.Sprintf("no schema registered for event type %s", ev.Type)}, nil
	}
	if err != nil {
		return false, nil, err
	}
	def, err := ParseDefinition(rec.Definition)
	if err != nil {
		return false, nil, fmt.Errorf("stored definition for %s v%d: %w", rec.Name, rec.Version, err)
	}
	valid, problems := def.Validate(ev)
	return valid, problems, nil
}

// GetSchema returns the requested version, or the latest when version is
// nil. Reads consult the lookaside cache first; staleness is bounded by the
// cache TTL.
func (r *Registry) GetSchema(ctx context.Context, name string, version *int) (Record, error) {
	key := cacheKey(name, version)
	if rec, ok := r.cache.get(ctx, key); ok {
		return rec, nil
	}

	var rec Record
	var err error
	if version == nil {
		rec, err = r.catalog.Latest(ctx, name)
	} else {
		rec, err = r.catalog.Version(ctx, name, *version)
	}
	if err != nil {
		return Record{}, err
	}
	r.cache.set(ctx, key, rec)
	return rec, nil
}

// HasSchema reports whether any version is registered for name. Used by the
// publish-side policy gate.
func (r *Registry) HasSchema(ctx context.Context, name string) (bool, error) {
	_, err := r.GetSchema(ctx, name, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CheckCompatibility evaluates a proposed definition against the current one
// without registering anything. When no schema exists yet for name the
// proposal is trivially compatible.
func (r *Registry) CheckCompatibility(ctx context.Context, name, proposedDefinition string) (bool, []string, error) {
	proposed, err := ParseDefinition(proposedDefinition)
	if err != nil {
		return false, nil, err
	}
	latest, err := r.catalog.Latest(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	current, err := ParseDefinition(latest.Definition)
	if err != nil {
		return false, nil, fmt.Errorf("stored definition for %s v%d: %w", name, latest.Version, err)
	}
	violations := compare(current, proposed)
	return len(violations) == 0, violations, nil
}

// ListSchemaVersions returns every registered revision of name in ascending
// version order.
func (r *Registry) ListSchemaVersions(ctx context.Context, name string) ([]Record, error) {
	return r.catalog.List(ctx, name)
}
