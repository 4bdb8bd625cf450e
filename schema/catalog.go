package schema

import (
	"context"
	"errors"
	"time"
)

// ErrVersionExists indicates a conditional create lost to a concurrent
// registration of the same (name, version).
var ErrVersionExists = errors.New("schema version already exists")

// Record is one registered revision of an event type's schema. Once created
// its definition is immutable.
type Record struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Definition string    `json:"definition"`
	VersionID  string    `json:"versionId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Catalog is the backing store for the schema registry. Implementations are
// injected at construction.
type Catalog interface {
	// Create persists a new revision conditionally; it returns
	// ErrVersionExists when (Name, Version) is already registered.
	Create(ctx context.Context, rec Record) error
	// Latest returns the highest registered version for a name, or
	// domain.ErrNotFound when the name has never been registered.
	Latest(ctx context.Context, name string) (Record, error)
	// Version returns one specific revision, or domain.ErrNotFound.
	Version(ctx context.Context, name string, version int) (Record, error)
	// List returns all revisions for a name in ascending version order.
	List(ctx context.Context, name string) ([]Record, error)
}
