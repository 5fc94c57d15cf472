// Package types provides core types and contracts for Reckoner
package types

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CalcStatus represents the current state of a calculation
type CalcStatus string

const (
	StatusNotCalculated CalcStatus = "NOT_CALCULATED"
	StatusInProgress    CalcStatus = "IN_PROGRESS"
	StatusSuccess       CalcStatus = "SUCCESS"
	StatusError         CalcStatus = "ERROR"
	StatusAborted       CalcStatus = "ABORTED"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Entity represents a record whose value is derived by a computation.
// Identity fields jointly identify "the same real-world item" across
// recomputation passes and back the persistence uniqueness constraint.
// Parallelization fields only bucket entities into independently
// dispatchable groups; they never affect identity.
type Entity interface {
	// Kind names the entity type; one kind maps to one uniqueness scope
	// in storage.
	Kind() string

	IdentityFields() []string
	ParallelizationFields() []string

	// CandidateValues enumerates the possible values for an identity
	// field that the caller did not pin. Only consulted during expansion.
	CandidateValues(field string) ([]any, error)

	Field(name string) any
	SetField(name string, value any)
	Fields() map[string]any

	// Clone returns a deep copy. Expansion builds the candidate set by
	// cloning a template and overwriting one field at a time.
	Clone() Entity

	// Compute derives the entity's remaining attributes. It must be safe
	// to re-invoke: conflict resolution may re-apply the computation onto
	// an adopted storage identity.
	Compute(ctx context.Context) error

	Status() CalcStatus
	SetStatus(status CalcStatus)

	StorageID() int64
	SetStorageID(id int64)

	// Atomic reports whether Compute should run inside the persistence
	// layer's atomic unit. Entities that manage their own transactional
	// boundaries return false.
	Atomic() bool
}

// PartialSpec pins identity fields to explicit candidate values. A field
// may pin more than one value; pinned fields participate in the cross
// product like unpinned ones. Fields absent from the spec are expanded
// from the entity's CandidateValues.
type PartialSpec map[string][]any

// BaseEntity provides the common Entity plumbing. Concrete entities embed
// it and implement Kind, IdentityFields, ParallelizationFields,
// CandidateValues, Clone and Compute.
type BaseEntity struct {
	values    map[string]any
	status    CalcStatus
	storageID int64
	nonAtomic bool
}

// NewBaseEntity creates an initialized base with status NOT_CALCULATED
func NewBaseEntity() BaseEntity {
	return BaseEntity{
		values: make(map[string]any),
		status: StatusNotCalculated,
	}
}

func (b *BaseEntity) Field(name string) any {
	return b.values[name]
}

func (b *BaseEntity) SetField(name string, value any) {
	if b.values == nil {
		b.values = make(map[string]any)
	}
	b.values[name] = value
}

// Fields returns a copy of the entity's field map
func (b *BaseEntity) Fields() map[string]any {
	out := make(map[string]any, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

func (b *BaseEntity) Status() CalcStatus          { return b.status }
func (b *BaseEntity) SetStatus(status CalcStatus) { b.status = status }
func (b *BaseEntity) StorageID() int64            { return b.storageID }
func (b *BaseEntity) SetStorageID(id int64)       { b.storageID = id }
func (b *BaseEntity) Atomic() bool                { return !b.nonAtomic }

// SetAtomic toggles the atomic-unit wrap around Compute
func (b *BaseEntity) SetAtomic(atomic bool) { b.nonAtomic = !atomic }

// CloneBase returns a deep copy of the base for use in Clone
// implementations. The field map is copied; values are copied shallowly,
// so field values should be immutable or value types.
func (b *BaseEntity) CloneBase() BaseEntity {
	clone := BaseEntity{
		values:    make(map[string]any, len(b.values)),
		status:    b.status,
		storageID: b.storageID,
		nonAtomic: b.nonAtomic,
	}
	for k, v := range b.values {
		clone.values[k] = v
	}
	return clone
}

// Schema is the explicit declaration of an entity kind's identity and
// parallelization fields, derived from a prototype at registration time.
type Schema struct {
	Kind                  string
	IdentityFields        []string
	ParallelizationFields []string
}

// SchemaOf derives the schema declaration from an entity prototype
func SchemaOf(e Entity) Schema {
	return Schema{
		Kind:                  e.Kind(),
		IdentityFields:        append([]string(nil), e.IdentityFields()...),
		ParallelizationFields: append([]string(nil), e.ParallelizationFields()...),
	}
}

// Validate checks the schema declaration. Run at registration time,
// before any dispatch.
func (s Schema) Validate() error {
	if s.Kind == "" {
		return &ValidationError{Reason: "entity kind must not be empty"}
	}
	if err := checkFieldList(s.Kind, "identity", s.IdentityFields); err != nil {
		return err
	}
	if err := checkFieldList(s.Kind, "parallelization", s.ParallelizationFields); err != nil {
		return err
	}

	// Parallelization fields only bucket expanded entities, so each must
	// be a declared identity field.
	identity := make(map[string]bool, len(s.IdentityFields))
	for _, f := range s.IdentityFields {
		identity[f] = true
	}
	for _, f := range s.ParallelizationFields {
		if !identity[f] {
			return &ValidationError{
				Reason: fmt.Sprintf("kind %s parallelization field %q is not an identity field", s.Kind, f),
			}
		}
	}
	return nil
}

func checkFieldList(kind, role string, fields []string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" {
			return &ValidationError{Reason: fmt.Sprintf("kind %s declares a %s field with an empty name", kind, role)}
		}
		if seen[f] {
			return &ValidationError{Reason: fmt.Sprintf("kind %s declares duplicate %s field %q", kind, role, f)}
		}
		seen[f] = true
	}
	return nil
}

// keyEscaper keeps the key separators unambiguous: a literal "|" or "="
// inside a field name or value cannot collide with the join characters.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "=", `\=`)

// IdentityKey builds the canonical identity string for an entity: the
// identity field values joined in sorted field order. Two entities with
// equal identity keys denote the same real-world item.
func IdentityKey(e Entity) string {
	fields := append([]string(nil), e.IdentityFields()...)
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, keyEscaper.Replace(f)+"="+keyEscaper.Replace(fmt.Sprintf("%v", e.Field(f))))
	}
	return strings.Join(parts, "|")
}

// GroupKey builds the parallelization bucket key for an entity: the
// parallelization field values joined in declaration order. Entities with
// equal group keys must never race and are dispatched together.
func GroupKey(e Entity) string {
	fields := e.ParallelizationFields()
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, keyEscaper.Replace(fmt.Sprintf("%v", e.Field(f))))
	}
	return strings.Join(parts, "|")
}

// Describe renders a short human-readable identity for logging
func Describe(e Entity) string {
	return fmt.Sprintf("%s{%s}", e.Kind(), IdentityKey(e))
}
