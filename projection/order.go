package projection

import (
	"fmt"
	"strings"

	"eventledger/domain"
)

// Event types of the order aggregate.
const (
	OrderPlaced        = "OrderPlaced"
	OrderStatusChanged = "OrderStatusChanged"
	OrderCancelled     = "OrderCancelled"
)

// Order statuses carried on the read model.
const (
	StatusPlaced    = "placed"
	StatusCancelled = "cancelled"
)

// OrderTransformer maps order events to the order read model.
type OrderTransformer struct{}

func (OrderTransformer) Transform(ev domain.Event, prior *Document) (Document, error) {
	switch ev.Type {
	case OrderPlaced:
		fields := make(map[string]any, len(ev.Payload))
		for k, v := range ev.Payload {
			fields[k] = v
		}
		doc := Document{
			Status: StatusPlaced,
			Fields: fields,
		}
		doc.SearchableText = orderSearchText(doc)
		return doc, nil

	case OrderStatusChanged:
		if prior == nil {
			return Document{}, fmt.Errorf("order %s: status change before creation event", ev.AggregateID)
		}
		status, ok := ev.Payload["status"].(string)
		if !ok || status == "" {
			return Document{}, fmt.Errorf("order %s: status change event carries no status", ev.AggregateID)
		}
		doc := *prior
		doc.Status = status
		doc.SearchableText = orderSearchText(doc)
		return doc, nil

	case OrderCancelled:
		if prior == nil {
			return Document{}, fmt.Errorf("order %s: cancellation before creation event", ev.AggregateID)
		}
		// retired logically; the document stays queryable
		doc := *prior
		doc.Status = StatusCancelled
		doc.SearchableText = orderSearchText(doc)
		return doc, nil

	default:
		return Document{}, fmt.Errorf("unknown order event type %s", ev.Type)
	}
}

func orderSearchText(doc Document) string {
	parts := []string{doc.Status}
	for _, key := range []string{"orderId", "customerId"} {
		if v, ok := doc.Fields[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
