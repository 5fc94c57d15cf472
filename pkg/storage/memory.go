package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/reckoner/reckoner/pkg/types"
)

// memoryRow is one persisted entity in the in-memory store
type memoryRow struct {
	id          int64
	kind        string
	identityKey string
	fields      map[string]any
	status      types.CalcStatus
}

// MemoryStore is an in-memory Store with the same uniqueness semantics as
// the SQLite store. Used in tests and storage-less deployments. Atomic
// units serialize writers; full rollback is not simulated beyond the
// single-entity scope the engine relies on.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]map[int64]*memoryRow // kind -> id -> row
	nextID int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[string]map[int64]*memoryRow),
		nextID: 1,
	}
}

// Save inserts the entity, enforcing the per-kind identity uniqueness
// constraint.
func (s *MemoryStore) Save(ctx context.Context, e types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := e.Kind()
	key := types.IdentityKey(e)

	for _, row := range s.rows[kind] {
		if row.identityKey == key && row.id != e.StorageID() {
			return fmt.Errorf("save %s: %w", types.Describe(e), ErrUniquenessViolation)
		}
	}

	id := e.StorageID()
	if id == 0 {
		id = s.nextID
		s.nextID++
		e.SetStorageID(id)
	} else if id >= s.nextID {
		s.nextID = id + 1
	}

	if s.rows[kind] == nil {
		s.rows[kind] = make(map[int64]*memoryRow)
	}
	s.rows[kind][id] = &memoryRow{
		id:          id,
		kind:        kind,
		identityKey: key,
		fields:      e.Fields(),
		status:      e.Status(),
	}
	return nil
}

// FindByIdentity returns every row sharing the entity's identity key
func (s *MemoryStore) FindByIdentity(ctx context.Context, e types.Entity) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := types.IdentityKey(e)
	var matches []Match
	for _, row := range s.rows[e.Kind()] {
		if row.identityKey == key {
			matches = append(matches, Match{ID: row.id, Status: row.status})
		}
	}
	sortMatches(matches)
	return matches, nil
}

// Delete removes one row by kind and id
func (s *MemoryStore) Delete(ctx context.Context, kind string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[kind][id]; !ok {
		return fmt.Errorf("delete %s/%d: %w", kind, id, ErrNotFound)
	}
	delete(s.rows[kind], id)
	return nil
}

// UpdateStatus persists only the entity's status. When no row matches
// (never saved, or deleted during reconciliation) the full entity is
// persisted instead.
func (s *MemoryStore) UpdateStatus(ctx context.Context, e types.Entity) error {
	if e.StorageID() == 0 {
		return s.Save(ctx, e)
	}

	s.mu.Lock()
	if row, ok := s.rows[e.Kind()][e.StorageID()]; ok {
		row.status = e.Status()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Save(ctx, e)
}

// Atomic runs fn; in-memory writes are already serialized per call
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// StatusesByKind lists persisted entity statuses for a kind
func (s *MemoryStore) StatusesByKind(ctx context.Context, kind string) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Match
	for _, row := range s.rows[kind] {
		matches = append(matches, Match{ID: row.id, Status: row.status})
	}
	sortMatches(matches)
	return matches, nil
}

// SetStatusByID rewrites the status of one row by id
func (s *MemoryStore) SetStatusByID(ctx context.Context, kind string, id int64, status types.CalcStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[kind][id]
	if !ok {
		return fmt.Errorf("set status %s/%d: %w", kind, id, ErrNotFound)
	}
	row.status = status
	return nil
}

// Count returns the number of persisted rows for a kind (test helper)
func (s *MemoryStore) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[kind])
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
}

var _ Store = (*MemoryStore)(nil)
