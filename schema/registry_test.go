package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"eventledger/domain"
)

type fakeCatalog struct {
	records map[string][]Record
	creates int
	// createHook runs before each Create so tests can interleave a
	// concurrent registration.
	createHook func()
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{records: map[string][]Record{}}
}

func (f *fakeCatalog) Create(ctx context.Context, rec Record) error {
	if f.createHook != nil {
		f.createHook()
	}
	f.creates++
	for _, existing := range f.records[rec.Name] {
		if existing.Version == rec.Version {
			return fmt.Errorf("schema %s v%d: %w", rec.Name, rec.Version, ErrVersionExists)
		}
	}
	f.records[rec.Name] = append(f.records[rec.Name], rec)
	return nil
}

func (f *fakeCatalog) Latest(ctx context.Context, name string) (Record, error) {
	recs := f.records[name]
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("schema %s: %w", name, domain.ErrNotFound)
	}
	return recs[len(recs)-1], nil
}

func (f *fakeCatalog) Version(ctx context.Context, name string, version int) (Record, error) {
	for _, rec := range f.records[name] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("schema %s v%d: %w", name, version, domain.ErrNotFound)
}

func (f *fakeCatalog) List(ctx context.Context, name string) ([]Record, error) {
	return append([]Record(nil), f.records[name]...), nil
}

const orderPlacedV1 = `{"properties": {"orderId": "string", "customerId": "string"}, "required": ["orderId"]}`

func TestRegisterSchemaFirstVersion(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	rec, err := r.RegisterSchema(context.Background(), "OrderPlaced", orderPlacedV1, CompatibilityBackward)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Version != 1 || rec.VersionID == "" || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestRegisterSchemaCompatibleEvolutionIncrementsVersion(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", orderPlacedV1, CompatibilityBackward); err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2 := `{"properties": {"orderId": "string", "customerId": "string", "notes": "string"}, "required": ["orderId"]}`
	rec, err := r.RegisterSchema(ctx, "OrderPlaced", v2, CompatibilityBackward)
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
}

func TestRegisterSchemaIncompatibleRejectedWithViolations(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", orderPlacedV1, CompatibilityBackward); err != nil {
		t.Fatalf("v1: %v", err)
	}
	_, err := r.RegisterSchema(ctx, "OrderPlaced", `{"properties": {"orderId": "string"}}`, CompatibilityBackward)
	var compatErr *domain.CompatibilityError
	if !errors.As(err, &compatErr) {
		t.Fatalf("expected CompatibilityError, got %v", err)
	}
	if len(compatErr.Violations) == 0 || !strings.Contains(compatErr.Violations[0], "customerId") || !strings.Contains(compatErr.Violations[0], "removed") {
		t.Fatalf("violation should mention the removed field: %v", compatErr.Violations)
	}
	if len(cat.records["OrderPlaced"]) != 1 {
		t.Fatal("incompatible proposal must not be persisted")
	}
}

func TestRegisterSchemaNoneModeSkipsCheck(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", orderPlacedV1, CompatibilityBackward); err != nil {
		t.Fatalf("v1: %v", err)
	}
	rec, err := r.RegisterSchema(ctx, "OrderPlaced", `{"properties": {"orderId": "string"}}`, CompatibilityNone)
	if err != nil {
		t.Fatalf("NONE mode should skip compatibility: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
}

func TestRegisterSchemaMalformedDefinition(t *testing.T) {
	r := NewRegistry(newFakeCatalog(), NewCache(nil, 0))
	if _, err := r.RegisterSchema(context.Background(), "OrderPlaced", "{", CompatibilityBackward); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestRegisterSchemaLosingFirstRegistrationRaceVersions(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	raced := false
	cat.createHook = func() {
		if raced {
			return
		}
		raced = true
		// another registrar wins version 1 between our Latest and Create
		cat.records["OrderPlaced"] = append(cat.records["OrderPlaced"], Record{Name: "OrderPlaced", Version: 1, Definition: orderPlacedV1})
	}
	rec, err := r.RegisterSchema(ctx, "OrderPlaced", orderPlacedV1, CompatibilityBackward)
	if err != nil {
		t.Fatalf("register after race: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected loser to land version 2, got %d", rec.Version)
	}
}

func TestCheckCompatibilityRules(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	base := `{"properties": {"orderId": "string", "customerId": "string", "totalAmount": "number"}, "required": ["orderId"]}`
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", base, CompatibilityBackward); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name       string
		proposed   string
		compatible bool
		mention    string
	}{
		{
			name:       "removed property",
			proposed:   `{"properties": {"orderId": "string", "totalAmount": "number"}, "required": ["orderId"]}`,
			compatible: false,
			mention:    "customerId",
		},
		{
			name:       "changed type",
			proposed:   `{"properties": {"orderId": "string", "customerId": "string", "totalAmount": "string"}, "required": ["orderId"]}`,
			compatible: false,
			mention:    "totalAmount",
		},
		{
			name:       "optional promoted to required",
			proposed:   `{"properties": {"orderId": "string", "customerId": "string", "totalAmount": "number"}, "required": ["orderId", "customerId"]}`,
			compatible: false,
			mention:    "customerId",
		},
		{
			name:       "new optional field",
			proposed:   `{"properties": {"orderId": "string", "customerId": "string", "totalAmount": "number", "couponCode": "string"}, "required": ["orderId"]}`,
			compatible: true,
		},
		{
			name:       "simultaneous remove and add flags possible rename",
			proposed:   `{"properties": {"orderId": "string", "customerId": "string", "amount": "number"}, "required": ["orderId"]}`,
			compatible: false,
			mention:    "possible rename",
		},
	}
	for _, tc := range cases {
		compatible, violations, err := r.CheckCompatibility(ctx, "OrderPlaced", tc.proposed)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if compatible != tc.compatible {
			t.Fatalf("%s: compatible=%v violations=%v", tc.name, compatible, violations)
		}
		if tc.compatible && len(violations) != 0 {
			t.Fatalf("%s: expected zero violations, got %v", tc.name, violations)
		}
		if !tc.compatible {
			joined := strings.Join(violations, "\n")
			if !strings.Contains(joined, tc.mention) {
				t.Fatalf("%s: violations should mention %q: %v", tc.name, tc.mention, violations)
			}
		}
	}
}

func TestCheckCompatibilityUnregisteredNameTriviallyHolds(t *testing.T) {
	r := NewRegistry(newFakeCatalog(), NewCache(nil, 0))
	compatible, violations, err := r.CheckCompatibility(context.Background(), "Unknown", orderPlacedV1)
	if err != nil || !compatible || len(violations) != 0 {
		t.Fatalf("expected trivially compatible, got %v %v %v", compatible, violations, err)
	}
}

func TestValidateEvent(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	def := `{"properties": {"orderId": "string", "customerId": "string", "totalAmount": "number"}, "required": ["orderId", "customerId", "totalAmount"]}`
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", def, CompatibilityBackward); err != nil {
		t.Fatalf("register: %v", err)
	}

	ok := domain.NewEvent("OrderPlaced", "o1", 1, map[string]any{"orderId": "o1", "customerId": "c1", "totalAmount": 59.98})
	valid, problems, err := r.Validate(ctx, ok)
	if err != nil || !valid || len(problems) != 0 {
		t.Fatalf("expected valid event, got %v %v %v", valid, problems, err)
	}

	missing := domain.NewEvent("OrderPlaced", "o1", 2, map[string]any{"orderId": "o1", "totalAmount": 59.98})
	valid, problems, err = r.Validate(ctx, missing)
	if err != nil || valid || len(problems) == 0 {
		t.Fatalf("expected invalid event, got %v %v %v", valid, problems, err)
	}

	unregistered := domain.NewEvent("OrderShipped", "o1", 3, nil)
	valid, problems, err = r.Validate(ctx, unregistered)
	if err != nil || valid {
		t.Fatalf("expected invalid for unregistered type, got %v %v", valid, err)
	}
	if !strings.Contains(problems[0], "OrderShipped") {
		t.Fatalf("problem should name the type: %v", problems)
	}
}

func TestListSchemaVersions(t *testing.T) {
	cat := newFakeCatalog()
	r := NewRegistry(cat, NewCache(nil, 0))
	ctx := context.Background()
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", orderPlacedV1, CompatibilityBackward); err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2 := `{"properties": {"orderId": "string", "customerId": "string", "notes": "string"}, "required": ["orderId"]}`
	if _, err := r.RegisterSchema(ctx, "OrderPlaced", v2, CompatibilityBackward); err != nil {
		t.Fatalf("v2: %v", err)
	}
	recs, err := r.ListSchemaVersions(ctx, "OrderPlaced")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Version != 1 || recs[1].Version != 2 {
		t.Fatalf("unexpected versions: %#v", recs)
	}
}
