package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"eventledger/domain"
)

// EventTable persists the event log in an Azure table keyed
// PartitionKey=aggregateId, RowKey=zero-padded version. AddEntity and
// per-partition transactions provide the conditional-write atomicity the
// optimistic-concurrency contract relies on.
type EventTable struct {
	table *aztables.Client
}

// NewEventTable creates an event log over the named table.
func NewEventTable(svc *aztables.ServiceClient, table string) *EventTable {
	return &EventTable{table: svc.NewClient(table)}
}

type eventEntity struct {
	aztables.Entity
	EventID        string `json:"EventID"`
	EventType      string `json:"EventType"`
	EventTimestamp int64  `json:"EventTimestamp"`
	Payload        string `json:"Payload"`
	Metadata       string `json:"Metadata"`
}

func eventRowKey(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (t *EventTable) InsertBatch(ctx context.Context, events []domain.Event) error {
	actions := make([]aztables.TransactionAction, 0, len(events))
	for _, ev := range events {
		payload, err := marshalEvent(ev)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeAdd,
			Entity:     payload,
		})
	}

	var err error
	if len(actions) == 1 {
		_, err = t.table.AddEntity(ctx, actions[0].Entity, nil)
	} else {
		_, err = t.table.SubmitTransaction(ctx, actions, nil)
	}
	return mapWriteError(err)
}

func (t *EventTable) ListByAggregate(ctx context.Context, aggregateID string, fromVersion, toVersion *int) ([]domain.Event, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", aggregateID)
	if fromVersion != nil {
		filter += fmt.Sprintf(" and RowKey ge '%s'", eventRowKey(*fromVersion))
	}
	if toVersion != nil {
		filter += fmt.Sprintf(" and RowKey le '%s'", eventRowKey(*toVersion))
	}
	return t.list(ctx, filter, 0)
}

func (t *EventTable) ListByTypeAndTime(ctx context.Context, eventType string, start, end time.Time, limit int) ([]domain.Event, error) {
	filter := fmt.Sprintf("EventType eq '%s' and EventTimestamp ge %dL and EventTimestamp lt %dL",
		eventType, start.UnixMilli(), end.UnixMilli())
	return t.list(ctx, filter, limit)
}

func (t *EventTable) list(ctx context.Context, filter string, limit int) ([]domain.Event, error) {
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := t.table.NewListEntitiesPager(opts)
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ev, err := unmarshalEvent(ent)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				return events, nil
			}
		}
	}
	return events, nil
}

func marshalEvent(ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload of %s: %w", ev.ID, err)
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata of %s: %w", ev.ID, err)
	}
	return json.Marshal(eventEntity{
		Entity: aztables.Entity{
			PartitionKey: ev.AggregateID,
			RowKey:       eventRowKey(ev.AggregateVersion),
		},
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventTimestamp: ev.Timestamp.UnixMilli(),
		Payload:        string(payload),
		Metadata:       string(metadata),
	})
}

func unmarshalEvent(ent eventEntity) (domain.Event, error) {
	var version int
	if _, err := fmt.Sscanf(ent.RowKey, "%d", &version); err != nil {
		return domain.Event{}, fmt.Errorf("bad event row key %q: %v", ent.RowKey, err)
	}
	ev := domain.Event{
		ID:               ent.EventID,
		Type:             ent.EventType,
		AggregateID:      ent.PartitionKey,
		AggregateVersion: version,
		Timestamp:        time.UnixMilli(ent.EventTimestamp).UTC(),
	}
	if ent.Payload != "" {
		if err := json.Unmarshal([]byte(ent.Payload), &ev.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("unmarshal payload of %s: %w", ent.EventID, err)
		}
	}
	if ent.Metadata != "" {
		if err := json.Unmarshal([]byte(ent.Metadata), &ev.Metadata); err != nil {
			return domain.Event{}, fmt.Errorf("unmarshal metadata of %s: %w", ent.EventID, err)
		}
	}
	return ev, nil
}

// mapWriteError translates storage responses into the domain taxonomy: 409
// is a lost conditional write, 429/503 is throttling.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", domain.ErrThrottled, err)
		}
	}
	return err
}
