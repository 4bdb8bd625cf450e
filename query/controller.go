// Package query is the read-side entry point. It serves read models from
// the document store and answers temporal queries by refolding the event
// stream in memory.
package query

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"eventledger/domain"
	"eventledger/projection"
	"eventledger/ratelimit"
)

var tracer = otel.Tracer("eventledger/query")

// EventReader is the slice of the event store temporal queries need.
type EventReader interface {
	GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion *int) ([]domain.Event, error)
}

// SearchRequest extends a document query with optional facet counting over
// one projected field.
type SearchRequest struct {
	projection.Query
	FacetField string
}

// SearchResult carries one page of documents plus the match total and, when
// requested, facet counts computed over the whole match set.
type SearchResult struct {
	Documents []projection.Document `json:"documents"`
	Total     int                   `json:"total"`
	Facets    map[string]int        `json:"facets,omitempty"`
}

// Controller mediates read access to read models and event history.
type Controller struct {
	docs      projection.DocumentStore
	events    EventReader
	limiter   *ratelimit.Limiter
	transform projection.Transformer
	upcast    projection.Upcaster
}

// Option customises a Controller.
type Option func(*Controller)

// WithUpcaster sets the upcast step applied during temporal replays. It
// must match the one the projection runs with, or replayed state diverges
// from the live read model.
func WithUpcaster(u projection.Upcaster) Option {
	return func(c *Controller) { c.upcast = u }
}

func NewController(docs projection.DocumentStore, events EventReader, limiter *ratelimit.Limiter, transform projection.Transformer, opts ...Option) *Controller {
	c := &Controller{
		docs:      docs,
		events:    events,
		limiter:   limiter,
		transform: transform,
		upcast:    func(ev domain.Event) (domain.Event, error) { return ev, nil },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns read models matching the request. Without a facet field
// paging is pushed down to the store; with one the whole match set is
// fetched so counts cover every match, not just the page.
func (c *Controller) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.FacetField == "" {
		docs, err := c.docs.Query(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		return &SearchResult{Documents: docs, Total: len(docs)}, nil
	}

	full := req.Query
	full.Limit = 0
	full.Offset = 0
	docs, err := c.docs.Query(ctx, full)
	if err != nil {
		return nil, err
	}

	facets := map[string]int{}
	for _, doc := range docs {
		key := doc.Status
		if req.FacetField != "status" {
			key = fmt.Sprint(doc.Fields[req.FacetField])
		}
		facets[key]++
	}

	res := &SearchResult{Total: len(docs), Facets: facets}
	if req.Offset < len(docs) {
		docs = docs[req.Offset:]
		if req.Limit > 0 && len(docs) > req.Limit {
			docs = docs[:req.Limit]
		}
		res.Documents = docs
	} else {
		res.Documents = []projection.Document{}
	}
	return res, nil
}

// Get returns one read model, or domain.ErrNotFound.
func (c *Controller) Get(ctx context.Context, id string) (*projection.Document, error) {
	doc, err := c.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("read model %s: %w", id, domain.ErrNotFound)
	}
	return doc, nil
}

// AsOf rebuilds one aggregate's read model as it stood at the given time by
// folding its events up to that instant. The replay never touches stored
// read models. Replays scan history, so they draw from the same per-client
// quota as time-range scans.
func (c *Controller) AsOf(ctx context.Context, aggregateID string, asOf time.Time, clientID string) (doc *projection.Document, err error) {
	ctx, span := tracer.Start(ctx, "query.asof")
	span.SetAttributes(
		attribute.String("eventledger.aggregate_id", aggregateID),
		attribute.String("eventledger.as_of", asOf.Format(time.RFC3339)),
	)
	defer span.End()

	if !c.limiter.Allow(clientID) {
		return nil, fmt.Errorf("client %s: %w", clientID, domain.ErrRateLimited)
	}

	events, err := c.events.GetEvents(ctx, aggregateID, nil, nil)
	if err != nil {
		return nil, err
	}

	var state *projection.Document
	applied := 0
	for _, ev := range events {
		if ev.Timestamp.After(asOf) {
			break
		}
		ev, err := c.upcast(ev)
		if err != nil {
			return nil, fmt.Errorf("upcast event %s: %w", ev.ID, err)
		}
		next, err := c.transform.Transform(ev, state)
		if err != nil {
			return nil, fmt.Errorf("replay aggregate %s at version %d: %w", aggregateID, ev.AggregateVersion, err)
		}
		next.ID = ev.AggregateID
		next.Version = ev.AggregateVersion
		next.LastUpdated = ev.Timestamp
		state = &next
		applied++
	}
	if state == nil {
		return nil, fmt.Errorf("aggregate %s has no events at %s: %w", aggregateID, asOf.Format(time.RFC3339), domain.ErrNotFound)
	}

	log.WithFields(log.Fields{
		"aggregate": aggregateID,
		"asOf":      asOf.Format(time.RFC3339),
		"events":    applied,
	}).Debug("temporal replay served")
	return state, nil
}
