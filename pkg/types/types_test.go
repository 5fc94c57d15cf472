package types

import (
	"context"
	"strings"
	"testing"
)

// forecastEntity is a minimal calculated entity for key and schema tests
type forecastEntity struct {
	BaseEntity
}

func newForecast(region string, year int, model string) *forecastEntity {
	e := &forecastEntity{BaseEntity: NewBaseEntity()}
	e.SetField("region", region)
	e.SetField("year", year)
	e.SetField("model", model)
	return e
}

func (e *forecastEntity) Kind() string                    { return "forecast" }
func (e *forecastEntity) IdentityFields() []string        { return []string{"region", "year", "model"} }
func (e *forecastEntity) ParallelizationFields() []string { return []string{"region", "year"} }

func (e *forecastEntity) CandidateValues(field string) ([]any, error) {
	switch field {
	case "region":
		return []any{"EU", "US"}, nil
	case "year":
		return []any{2024, 2025}, nil
	case "model":
		return []any{"baseline"}, nil
	}
	return nil, nil
}

func (e *forecastEntity) Clone() Entity {
	return &forecastEntity{BaseEntity: e.CloneBase()}
}

func (e *forecastEntity) Compute(ctx context.Context) error { return nil }

func TestIdentityKeySortedFieldOrder(t *testing.T) {
	e := newForecast("EU", 2024, "baseline")

	got := IdentityKey(e)
	want := "model=baseline|region=EU|year=2024"
	if got != want {
		t.Errorf("IdentityKey() = %q, want %q", got, want)
	}
}

func TestIdentityKeyEqualForSameIdentity(t *testing.T) {
	a := newForecast("EU", 2024, "baseline")
	b := newForecast("EU", 2024, "baseline")
	b.SetStatus(StatusSuccess)
	b.SetField("result", 42.0)

	if IdentityKey(a) != IdentityKey(b) {
		t.Errorf("identity keys differ for the same identity: %q vs %q", IdentityKey(a), IdentityKey(b))
	}
}

func TestIdentityKeyEscapesSeparators(t *testing.T) {
	// Without escaping both entities would render as
	// "model=x|region=y|region=z|year=2024".
	a := newForecast("z", 2024, "x|region=y")
	b := newForecast("y|region=z", 2024, "x")

	if IdentityKey(a) == IdentityKey(b) {
		t.Errorf("distinct identities collide on key %q", IdentityKey(a))
	}
}

func TestGroupKeyDeclarationOrder(t *testing.T) {
	e := newForecast("EU", 2024, "baseline")

	got := GroupKey(e)
	want := "EU|2024"
	if got != want {
		t.Errorf("GroupKey() = %q, want %q", got, want)
	}
}

func TestGroupKeyEscapesSeparators(t *testing.T) {
	e := newForecast("EU|X", 2024, "baseline")

	got := GroupKey(e)
	want := `EU\|X|2024`
	if got != want {
		t.Errorf("GroupKey() = %q, want %q", got, want)
	}
}

func TestGroupKeyEmptyWithoutParallelizationFields(t *testing.T) {
	e := &scalarEntity{BaseEntity: NewBaseEntity()}
	e.SetField("name", "total")

	if got := GroupKey(e); got != "" {
		t.Errorf("GroupKey() = %q, want empty", got)
	}
}

// scalarEntity declares no parallelization fields
type scalarEntity struct {
	BaseEntity
}

func (e *scalarEntity) Kind() string                    { return "scalar" }
func (e *scalarEntity) IdentityFields() []string        { return []string{"name"} }
func (e *scalarEntity) ParallelizationFields() []string { return nil }
func (e *scalarEntity) CandidateValues(field string) ([]any, error) {
	return []any{"total"}, nil
}
func (e *scalarEntity) Clone() Entity {
	return &scalarEntity{BaseEntity: e.CloneBase()}
}
func (e *scalarEntity) Compute(ctx context.Context) error { return nil }

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name: "valid schema",
			schema: Schema{
				Kind:                  "forecast",
				IdentityFields:        []string{"region", "year"},
				ParallelizationFields: []string{"region"},
			},
		},
		{
			name:    "empty kind",
			schema:  Schema{IdentityFields: []string{"region"}},
			wantErr: "kind must not be empty",
		},
		{
			name: "duplicate identity field",
			schema: Schema{
				Kind:           "forecast",
				IdentityFields: []string{"region", "region"},
			},
			wantErr: "duplicate identity field",
		},
		{
			name: "empty field name",
			schema: Schema{
				Kind:                  "forecast",
				IdentityFields:        []string{"region"},
				ParallelizationFields: []string{""},
			},
			wantErr: "empty name",
		},
		{
			name: "undeclared parallelization field",
			schema: Schema{
				Kind:                  "forecast",
				IdentityFields:        []string{"region"},
				ParallelizationFields: []string{"year"},
			},
			wantErr: "not an identity field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCloneBaseIsIndependent(t *testing.T) {
	original := newForecast("EU", 2024, "baseline")
	original.SetStorageID(7)

	clone := original.Clone()
	clone.SetField("region", "US")
	clone.SetStatus(StatusInProgress)

	if original.Field("region") != "EU" {
		t.Errorf("clone mutation leaked into original: region = %v", original.Field("region"))
	}
	if original.Status() != StatusNotCalculated {
		t.Errorf("clone mutation leaked into original: status = %v", original.Status())
	}
	if clone.StorageID() != 7 {
		t.Errorf("clone lost storage id: got %d, want 7", clone.StorageID())
	}
}

func TestDescribe(t *testing.T) {
	e := newForecast("EU", 2024, "baseline")

	got := Describe(e)
	if !strings.HasPrefix(got, "forecast{") || !strings.Contains(got, "region=EU") {
		t.Errorf("Describe() = %q", got)
	}
}
