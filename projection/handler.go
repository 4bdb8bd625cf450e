package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventledger/domain"
)

func tracer() trace.Tracer { return otel.Tracer("eventledger/projection") }

// Upcaster normalizes an older-schema-version event into the shape the
// transform expects. The default is the identity.
type Upcaster func(domain.Event) (domain.Event, error)

// Transformer is the pure per-aggregate-type mapping from one event to the
// next read-model state. prior is nil for creation events; mutation events
// with a nil prior are a sequencing bug and must error.
type Transformer interface {
	Transform(ev domain.Event, prior *Document) (Document, error)
}

// Handler applies events to the read model idempotently. It may run in
// parallel across aggregates but events of one aggregate must arrive in
// version order; gaps are rejected for redelivery.
type Handler struct {
	docs      DocumentStore
	transform Transformer
	upcast    Upcaster

	now func() time.Time
}

// Option customises a Handler.
type Option func(*Handler)

// WithUpcaster replaces the identity upcast step.
func WithUpcaster(u Upcaster) Option {
	return func(h *Handler) { h.upcast = u }
}

func NewHandler(docs DocumentStore, transform Transformer, opts ...Option) *Handler {
	h := &Handler{
		docs:      docs,
		transform: transform,
		upcast:    func(ev domain.Event) (domain.Event, error) { return ev, nil },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEvent upcasts, transforms and conditionally upserts one event.
// Redelivered events are absorbed silently; an event that would skip a
// version fails with domain.ErrSequenceGap so the feed redelivers the
// missing ones first.
func (h *Handler) HandleEvent(ctx context.Context, ev domain.Event) (err error) {
	ctx, span := tracer().Start(ctx, "projection.apply")
	span.SetAttributes(
		attribute.String("eventledger.event.type", ev.Type),
		attribute.String("eventledger.event.aggregate_id", ev.AggregateID),
		attribute.Int("eventledger.event.version", ev.AggregateVersion),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	ev, err = h.upcast(ev)
	if err != nil {
		return fmt.Errorf("upcast event %s: %w", ev.ID, err)
	}

	prior, err := h.docs.Get(ctx, ev.AggregateID)
	if err != nil {
		return err
	}

	expectedVersion := 0
	switch {
	case prior != nil && ev.AggregateVersion <= prior.Version:
		log.WithFields(log.Fields{
			"aggregate": ev.AggregateID,
			"version":   ev.AggregateVersion,
			"current":   prior.Version,
		}).Debug("duplicate delivery discarded")
		return nil
	case prior != nil && ev.AggregateVersion != prior.Version+1:
		return fmt.Errorf("aggregate %s: have version %d, got %d: %w",
			ev.AggregateID, prior.Version, ev.AggregateVersion, domain.ErrSequenceGap)
	case prior == nil && ev.AggregateVersion != 1:
		return fmt.Errorf("aggregate %s: no read model yet, got version %d: %w",
			ev.AggregateID, ev.AggregateVersion, domain.ErrSequenceGap)
	case prior != nil:
		expectedVersion = prior.Version
	}

	doc, err := h.transform.Transform(ev, prior)
	if err != nil {
		return err
	}
	doc.ID = ev.AggregateID
	doc.Version = ev.AggregateVersion
	doc.LastUpdated = ev.Timestamp
	if prior != nil {
		doc.etag = prior.etag
	}

	if err := h.docs.Upsert(ctx, doc, expectedVersion); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			// another delivery of the same event got there first
			log.WithFields(log.Fields{
				"aggregate": ev.AggregateID,
				"version":   ev.AggregateVersion,
			}).Debug("concurrent duplicate delivery absorbed")
			return nil
		}
		return err
	}

	lag := h.now().Sub(ev.Timestamp)
	span.SetAttributes(attribute.Float64("eventledger.projection.lag_ms", float64(lag)/float64(time.Millisecond)))
	log.WithFields(log.Fields{
		"aggregate": ev.AggregateID,
		"version":   ev.AggregateVersion,
		"type":      ev.Type,
		"lag_ms":    float64(lag) / float64(time.Millisecond),
	}).Info("projection applied")
	return nil
}

// Get returns one read model, or domain.ErrNotFound.
func (h *Handler) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := h.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("read model %s: %w", id, domain.ErrNotFound)
	}
	return doc, nil
}

// Query returns read models matching q.
func (h *Handler) Query(ctx context.Context, q Query) ([]Document, error) {
	return h.docs.Query(ctx, q)
}

// Delete removes a read model document. Operator use only.
func (h *Handler) Delete(ctx context.Context, id string) error {
	return h.docs.Delete(ctx, id)
}
