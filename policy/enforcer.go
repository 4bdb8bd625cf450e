// Package policy guards architectural invariants at operation boundaries:
// append-only stores, schema-before-publish, endpoint rate limits and service
// decoupling. Checks are invoked inline by the other components, not as a
// separate network hop.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrViolation is wrapped by every Violation so callers can branch with
// errors.Is without inspecting the concrete type.
var ErrViolation = errors.New("policy violation")

// Database operations recognised by ValidateDatabaseOperation.
const (
	OpInsert = "INSERT"
	OpRead   = "READ"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Transport protocols recognised by ValidateServiceCall.
const (
	ProtocolBus  = "bus"
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Violation is the audit record of a rejected operation.
type Violation struct {
	Message string
	Details map[string]any
	Time    time.Time
}

func (v *Violation) Error() string { return "policy violation: " + v.Message }

func (v *Violation) Unwrap() error { return ErrViolation }

// EndpointRule requires a minimum rate limit for paths matching Prefix.
type EndpointRule struct {
	Prefix   string
	MinLimit int
}

// Config declares the invariants an Enforcer guards.
type Config struct {
	// AppendOnlyStores lists store names that forbid UPDATE and DELETE.
	AppendOnlyStores []string
	// DecoupledServices is a pair of services that must only communicate
	// over the message bus.
	DecoupledServices [2]string
	// RateLimitedEndpoints lists path prefixes that must carry at least the
	// given rate limit.
	RateLimitedEndpoints []EndpointRule
}

// Enforcer runs stateless rule checks and records rejected operations in an
// append-only in-memory audit log. Construct one per pipeline; there is no
// shared default instance.
type Enforcer struct {
	cfg        Config
	appendOnly map[string]bool

	mu         sync.Mutex
	violations []Violation
}

func New(cfg Config) *Enforcer {
	appendOnly := make(map[string]bool, len(cfg.AppendOnlyStores))
	for _, name := range cfg.AppendOnlyStores {
		appendOnly[name] = true
	}
	return &Enforcer{cfg: cfg, appendOnly: appendOnly}
}

// ValidateServiceCall fails when the two designated decoupled services talk
// over a direct protocol instead of the bus.
func (e *Enforcer) ValidateServiceCall(source, target, protocol string) error {
	a, b := e.cfg.DecoupledServices[0], e.cfg.DecoupledServices[1]
	if a == "" || b == "" {
		return nil
	}
	direct := (source == a && target == b) || (source == b && target == a)
	if direct && protocol != ProtocolBus {
		return e.reject(
			fmt.Sprintf("services %s and %s must communicate via the event bus, not %s", source, target, protocol),
			map[string]any{"source": source, "target": target, "protocol": protocol},
		)
	}
	return nil
}

// ValidateDatabaseOperation fails when a mutation of an existing row is
// attempted against an append-only store. Inserts and reads always pass.
func (e *Enforcer) ValidateDatabaseOperation(store, operation string) error {
	op := strings.ToUpper(operation)
	if !e.appendOnly[store] {
		return nil
	}
	if op == OpUpdate || op == OpDelete {
		return e.reject(
			fmt.Sprintf("store %s is append-only; %s is not permitted", store, op),
			map[string]any{"store": store, "operation": op},
		)
	}
	return nil
}

// ValidateEventPublish fails when no schema is registered for the event type.
func (e *Enforcer) ValidateEventPublish(eventType string, hasRegisteredSchema bool) error {
	if hasRegisteredSchema {
		return nil
	}
	return e.reject(
		fmt.Sprintf("event type %s has no registered schema", eventType),
		map[string]any{"eventType": eventType},
	)
}

// ValidateAPIEndpoint fails when a path covered by a rate-limit rule is
// configured with a limit below the required minimum.
func (e *Enforcer) ValidateAPIEndpoint(path string, rateLimit int) error {
	for _, rule := range e.cfg.RateLimitedEndpoints {
		if strings.HasPrefix(path, rule.Prefix) && rateLimit < rule.MinLimit {
			return e.reject(
				fmt.Sprintf("endpoint %s requires a rate limit of at least %d, got %d", path, rule.MinLimit, rateLimit),
				map[string]any{"path": path, "rateLimit": rateLimit, "required": rule.MinLimit},
			)
		}
	}
	return nil
}

// Violations returns a copy of the audit log.
func (e *Enforcer) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Violation, len(e.violations))
	copy(out, e.violations)
	return out
}

// ClearViolations empties the audit log. Operator action only.
func (e *Enforcer) ClearViolations() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violations = nil
}

func (e *Enforcer) reject(message string, details map[string]any) error {
	v := Violation{Message: message, Details: details, Time: time.Now().UTC()}
	e.mu.Lock()
	e.violations = append(e.violations, v)
	e.mu.Unlock()
	log.WithFields(log.Fields{"violation": message}).Warn("policy check failed")
	return &v
}
