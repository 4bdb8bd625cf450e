// Package eventstore is the append-only log of domain events keyed by
// aggregate identity and version. Writes pass the policy gate and schema
// validation before the conditional batch write that enforces optimistic
// concurrency.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"eventledger/domain"
	"eventledger/policy"
	"eventledger/ratelimit"
	"eventledger/schema"
)

var tracer = otel.Tracer("eventledger/eventstore")

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 2 * time.Second
)

// Config tunes one Store instance.
type Config struct {
	// StoreName is the name the policy enforcer knows this store by.
	StoreName string
	// ValidateSchemas toggles pre-write payload validation.
	ValidateSchemas bool
	// RetryAttempts caps throttling retries; the delay doubles per attempt
	// starting at RetryBaseDelay. Zero values take the defaults (3, 2s).
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Store appends and reads domain events. Concurrent appends to the same
// aggregate version race on the table's conditional write; exactly one wins.
type Store struct {
	table    Table
	registry *schema.Registry
	enforcer *policy.Enforcer
	limiter  *ratelimit.Limiter
	feed     Publisher
	cfg      Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Store. feed may be nil when no change feed is attached (for
// example during replays).
func New(table Table, registry *schema.Registry, enforcer *policy.Enforcer, limiter *ratelimit.Limiter, feed Publisher, cfg Config) *Store {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Store{
		table:    table,
		registry: registry,
		enforcer: enforcer,
		limiter:  limiter,
		feed:     feed,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// Append validates and persists a batch of events. Policy violations and
// validation failures abort the whole batch before any write and name the
// offending event; a conditional-write conflict surfaces as
// domain.ErrConcurrencyConflict, and throttling is retried with exponential
// backoff up to the configured ceiling.
func (s *Store) Append(ctx context.Context, events []domain.Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "eventstore.append")
	span.SetAttributes(attribute.Int("eventledger.append.batch_size", len(events)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	for i := range events {
		ev := &events[i]
		if err := s.enforcer.ValidateDatabaseOperation(s.cfg.StoreName, policy.OpInsert); err != nil {
			return err
		}
		if ev.AggregateID == "" || ev.AggregateVersion < 1 {
			return &domain.ValidationError{
				EventID:   ev.ID,
				EventType: ev.Type,
				Problems:  []string{"aggregateId must be set and aggregateVersion must be >= 1"},
			}
		}
		if !s.cfg.ValidateSchemas {
			continue
		}
		rec, err := s.registry.GetSchema(ctx, ev.Type, nil)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return s.enforcer.ValidateEventPublish(ev.Type, false)
		case err != nil:
			return fmt.Errorf("load schema for %s: %w", ev.Type, err)
		}
		valid, problems, err := s.registry.Validate(ctx, *ev)
		if err != nil {
			return fmt.Errorf("validate event %s: %w", ev.ID, err)
		}
		if !valid {
			return &domain.ValidationError{EventID: ev.ID, EventType: ev.Type, Problems: problems}
		}
		ev.Metadata.SchemaVersion = rec.Version
	}

	for _, group := range groupByAggregate(events) {
		if err := s.insertWithRetry(ctx, group); err != nil {
			return err
		}
	}

	s.publish(ctx, events)
	return nil
}

func (s *Store) insertWithRetry(ctx context.Context, group []domain.Event) error {
	delay := s.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := s.table.InsertBatch(ctx, group)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrThrottled) {
			return err
		}
		if attempt+1 >= s.cfg.RetryAttempts {
			return fmt.Errorf("append aborted after %d throttled attempts: %w", attempt+1, err)
		}
		log.WithFields(log.Fields{
			"aggregate": group[0].AggregateID,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
		}).Warn("append throttled, backing off")
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}

// publish pushes appended events onto the change feed. Feed errors are
// logged, not surfaced: the log is already durable and projections can be
// rebuilt from it.
func (s *Store) publish(ctx context.Context, events []domain.Event) {
	if s.feed == nil {
		return
	}
	for _, ev := range events {
		if err := s.feed.Publish(ctx, ev); err != nil {
			log.WithFields(log.Fields{
				"event":     ev.ID,
				"aggregate": ev.AggregateID,
				"version":   ev.AggregateVersion,
			}).Errorf("change feed publish failed: %v", err)
		}
	}
}

// GetEvents returns the aggregate's events ordered by ascending version,
// optionally bounded inclusively. An empty result is not an error.
func (s *Store) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion *int) ([]domain.Event, error) {
	return s.table.ListByAggregate(ctx, aggregateID, fromVersion, toVersion)
}

// GetEventsByTimeRange scans events of one type within [start, end). The
// scan is rate limited per client; an exhausted quota fails without touching
// the store.
func (s *Store) GetEventsByTimeRange(ctx context.Context, eventType string, start, end time.Time, limit int, clientID string) ([]domain.Event, error) {
	if !s.limiter.Allow(clientID) {
		return nil, fmt.Errorf("client %s: %w", clientID, domain.ErrRateLimited)
	}
	return s.table.ListByTypeAndTime(ctx, eventType, start, end, limit)
}

// groupByAggregate splits a batch into per-aggregate groups, preserving call
// order within each group. Atomicity holds per aggregate, the consistency
// boundary; cross-aggregate transactions are out of scope.
func groupByAggregate(events []domain.Event) [][]domain.Event {
	var order []string
	byID := make(map[string][]domain.Event)
	for _, ev := range events {
		if _, seen := byID[ev.AggregateID]; !seen {
			order = append(order, ev.AggregateID)
		}
		byID[ev.AggregateID] = append(byID[ev.AggregateID], ev)
	}
	groups := make([][]domain.Event, 0, len(order))
	for _, id := range order {
		groups = append(groups, byID[id])
	}
	return groups
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
