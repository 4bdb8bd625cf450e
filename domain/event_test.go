package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEventAssignsIdentityAndTimestamp(t *testing.T) {
	ev := NewEvent("OrderPlaced", "o1", 1, map[string]any{"orderId": "o1"})
	if ev.ID == "" {
		t.Fatal("expected generated event id")
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if ev.Type != "OrderPlaced" || ev.AggregateID != "o1" || ev.AggregateVersion != 1 {
		t.Fatalf("unexpected event: %#v", ev)
	}
	other := NewEvent("OrderPlaced", "o1", 2, nil)
	if other.ID == ev.ID {
		t.Fatal("expected unique event ids")
	}
}

func TestValidationErrorMessageNamesEvent(t *testing.T) {
	err := &ValidationError{EventID: "e1", EventType: "OrderPlaced", Problems: []string{"missing required field customerId"}}
	msg := err.Error()
	if !strings.Contains(msg, "e1") || !strings.Contains(msg, "OrderPlaced") || !strings.Contains(msg, "customerId") {
		t.Fatalf("unexpected message: %s", msg)
	}
	var ve *ValidationError
	if !errors.As(error(err), &ve) {
		t.Fatal("expected errors.As to match ValidationError")
	}
}

func TestCompatibilityErrorListsViolations(t *testing.T) {
	err := &CompatibilityError{SchemaName: "OrderPlaced", Violations: []string{"field customerId was removed", "field totalAmount changed type"}}
	msg := err.Error()
	if !strings.Contains(msg, "OrderPlaced") || !strings.Contains(msg, "customerId was removed") {
		t.Fatalf("unexpected message: %s", msg)
	}
}
