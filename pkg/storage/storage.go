// Package storage provides the persistence collaborator: saving calculated
// entities under a per-kind identity uniqueness constraint, identity
// lookups for conflict resolution, and a scoped atomic-unit primitive.
package storage

import (
	"context"
	"errors"

	"github.com/reckoner/reckoner/pkg/types"
)

// ErrUniquenessViolation is reported by Save when another row already
// holds the entity's identity key. Recovered exactly once by the conflict
// resolver.
var ErrUniquenessViolation = errors.New("storage: identity uniqueness violation")

// ErrNotFound is reported by Delete when no row matches
var ErrNotFound = errors.New("storage: row not found")

// Match is one persisted row sharing an entity's identity key
type Match struct {
	ID     int64
	Status types.CalcStatus
}

// Store is the persistence collaborator contract.
//
// Save inserts the entity; when the entity carries a storage id (adopted
// during conflict resolution) the row is written under that id. Save
// never resolves conflicts itself: an identity clash surfaces as
// ErrUniquenessViolation.
//
// UpdateStatus is the no-trigger write path: it persists only the status
// column and can never schedule a computation, which breaks the
// save-inside-completion-handler cycle. When no row matches the entity
// (never saved, or its adopted row was deleted during reconciliation) the
// full entity is persisted so a final status always lands.
type Store interface {
	Save(ctx context.Context, e types.Entity) error
	FindByIdentity(ctx context.Context, e types.Entity) ([]Match, error)
	Delete(ctx context.Context, kind string, id int64) error
	UpdateStatus(ctx context.Context, e types.Entity) error

	// Atomic runs fn inside one atomic unit; the unit commits when fn
	// returns nil and rolls back otherwise. Store calls made with the ctx
	// passed to fn join the unit.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	// StatusesByKind lists persisted entity statuses for a kind, used to
	// reset stale IN_PROGRESS rows after a crash or external abort.
	StatusesByKind(ctx context.Context, kind string) ([]Match, error)
	SetStatusByID(ctx context.Context, kind string, id int64, status types.CalcStatus) error
}
