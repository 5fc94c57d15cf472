package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/storage"
	"github.com/reckoner/reckoner/pkg/types"
)

// ConflictResolver reconciles newly computed entities against previously
// persisted rows sharing the same identity key. Coordination is
// optimistic: attempt, detect the clash, resolve, retry once.
type ConflictResolver struct {
	store  storage.Store
	logger logger.Logger
}

// NewConflictResolver creates a resolver over the given store
func NewConflictResolver(store storage.Store, log logger.Logger) *ConflictResolver {
	return &ConflictResolver{store: store, logger: log}
}

// Reconcile re-identifies the entity against storage. Zero matches leaves
// it untouched (genuinely new). Exactly one match means the new
// computation replaces the previous one: the entity adopts the matched
// row's primary key and the row is deleted so the subsequent save reuses
// it. More than one match violates the uniqueness invariant and is fatal.
func (r *ConflictResolver) Reconcile(ctx context.Context, e types.Entity) error {
	matches, err := r.store.FindByIdentity(ctx, e)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", types.Describe(e), err)
	}

	switch len(matches) {
	case 0:
		return nil

	case 1:
		e.SetStorageID(matches[0].ID)
		if err := r.store.Delete(ctx, e.Kind(), matches[0].ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reconcile %s: %w", types.Describe(e), err)
		}
		r.logger.Debug("Adopted existing storage identity",
			logger.WithField("entity", types.Describe(e)),
			logger.WithField("storage_id", matches[0].ID))
		return nil

	default:
		// The uniqueness constraint should make this impossible; never
		// guess which row to keep.
		return &types.MultipleMatchError{
			Kind:        e.Kind(),
			IdentityKey: types.IdentityKey(e),
			Count:       len(matches),
		}
	}
}

// SaveWithRetry saves the entity; a uniqueness violation is resolved by
// reconciling and retrying exactly once. A second failure propagates.
func (r *ConflictResolver) SaveWithRetry(ctx context.Context, e types.Entity) error {
	err := r.store.Save(ctx, e)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrUniquenessViolation) {
		return err
	}

	r.logger.Warn("Identity conflict on save, resolving",
		logger.WithField("entity", types.Describe(e)))

	if rerr := r.Reconcile(ctx, e); rerr != nil {
		return rerr
	}
	return r.store.Save(ctx, e)
}
