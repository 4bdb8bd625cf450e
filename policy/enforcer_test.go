package policy

import (
	"errors"
	"strings"
	"testing"
)

func newTestEnforcer() *Enforcer {
	return New(Config{
		AppendOnlyStores:  []string{"order-events"},
		DecoupledServices: [2]string{"orders", "billing"},
		RateLimitedEndpoints: []EndpointRule{
			{Prefix: "/api/events/history", MinLimit: 10},
		},
	})
}

func TestValidateDatabaseOperationAppendOnly(t *testing.T) {
	e := newTestEnforcer()
	for _, op := range []string{OpInsert, OpRead} {
		if err := e.ValidateDatabaseOperation("order-events", op); err != nil {
			t.Fatalf("%s should pass on append-only store: %v", op, err)
		}
	}
	for _, op := range []string{OpUpdate, OpDelete, "update"} {
		err := e.ValidateDatabaseOperation("order-events", op)
		if !errors.Is(err, ErrViolation) {
			t.Fatalf("%s should violate append-only policy, got %v", op, err)
		}
	}
	if err := e.ValidateDatabaseOperation("order-read-models", OpDelete); err != nil {
		t.Fatalf("non-append-only store should allow deletes: %v", err)
	}
}

func TestValidateServiceCallDecoupling(t *testing.T) {
	e := newTestEnforcer()
	if err := e.ValidateServiceCall("orders", "billing", ProtocolBus); err != nil {
		t.Fatalf("bus communication should pass: %v", err)
	}
	if err := e.ValidateServiceCall("orders", "billing", ProtocolHTTP); !errors.Is(err, ErrViolation) {
		t.Fatalf("direct http between decoupled services should fail, got %v", err)
	}
	if err := e.ValidateServiceCall("billing", "orders", ProtocolGRPC); !errors.Is(err, ErrViolation) {
		t.Fatalf("decoupling applies in both directions, got %v", err)
	}
	if err := e.ValidateServiceCall("orders", "shipping", ProtocolHTTP); err != nil {
		t.Fatalf("other pairs may use direct protocols: %v", err)
	}
}

func TestValidateEventPublishRequiresSchema(t *testing.T) {
	e := newTestEnforcer()
	if err := e.ValidateEventPublish("OrderPlaced", true); err != nil {
		t.Fatalf("registered schema should pass: %v", err)
	}
	err := e.ValidateEventPublish("OrderPlaced", false)
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("missing schema should fail, got %v", err)
	}
	var v *Violation
	if !errors.As(err, &v) || !strings.Contains(v.Message, "OrderPlaced") {
		t.Fatalf("violation should name the event type: %v", err)
	}
}

func TestValidateAPIEndpointRateLimit(t *testing.T) {
	e := newTestEnforcer()
	if err := e.ValidateAPIEndpoint("/api/events/history", 10); err != nil {
		t.Fatalf("sufficient limit should pass: %v", err)
	}
	if err := e.ValidateAPIEndpoint("/api/events/history", 5); !errors.Is(err, ErrViolation) {
		t.Fatalf("insufficient limit should fail, got %v", err)
	}
	if err := e.ValidateAPIEndpoint("/api/read-models", 0); err != nil {
		t.Fatalf("uncovered path should pass: %v", err)
	}
}

func TestViolationsAuditTrail(t *testing.T) {
	e := newTestEnforcer()
	_ = e.ValidateDatabaseOperation("order-events", OpDelete)
	_ = e.ValidateEventPublish("OrderShipped", false)
	got := e.Violations()
	if len(got) != 2 {
		t.Fatalf("expected 2 recorded violations, got %d", len(got))
	}
	if got[0].Time.IsZero() || got[0].Details["store"] != "order-events" {
		t.Fatalf("unexpected first violation: %#v", got[0])
	}
	// returned slice is a copy
	got[0].Message = "mutated"
	if e.Violations()[0].Message == "mutated" {
		t.Fatal("Violations must return a copy of the log")
	}
	e.ClearViolations()
	if len(e.Violations()) != 0 {
		t.Fatal("expected log to be empty after clear")
	}
}
