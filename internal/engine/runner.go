package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/reckoner/reckoner/pkg/cache"
	"github.com/reckoner/reckoner/pkg/correlation"
	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/notify"
	"github.com/reckoner/reckoner/pkg/storage"
	"github.com/reckoner/reckoner/pkg/types"
)

// Runner governs the per-entity status state machine and runs the
// completion handler after every attempt.
//
// RequestComputation is the only scheduling edge (an explicit event, not
// a field-write observer): requesting computation for an entity already
// IN_PROGRESS is a logged no-op, so redundant requests never schedule a
// second concurrent attempt.
type Runner struct {
	store    storage.Store
	resolver *ConflictResolver
	notifier notify.Notifier
	cache    cache.ResultCache
	logger   logger.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewRunner creates a runner over the given collaborators
func NewRunner(
	store storage.Store,
	resolver *ConflictResolver,
	notifier notify.Notifier,
	resultCache cache.ResultCache,
	log logger.Logger,
) *Runner {
	return &Runner{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		cache:    resultCache,
		logger:   log,
		inFlight: make(map[string]bool),
	}
}

func entityKey(e types.Entity) string {
	return e.Kind() + "|" + types.IdentityKey(e)
}

// RequestComputation transitions the entity to IN_PROGRESS and runs one
// computation attempt. Compute and the save run inside the store's atomic
// unit unless the entity opts out. Success settles at SUCCESS; any error
// settles at ERROR and is returned after the completion handler has run.
func (r *Runner) RequestComputation(ctx context.Context, e types.Entity) error {
	key := entityKey(e)

	r.mu.Lock()
	if r.inFlight[key] || e.Status() == types.StatusInProgress {
		r.mu.Unlock()
		r.logger.Debug("Computation already in progress, ignoring request",
			logger.WithField("entity", types.Describe(e)))
		return nil
	}
	r.inFlight[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	ctx, cc := correlation.Ensure(ctx, "")
	cc.PushEntity(e)
	defer cc.PopEntity()

	e.SetStatus(types.StatusInProgress)
	if lc, ok := r.logger.(logger.LoggerContext); ok {
		lc.DebugContext(ctx, "Computation started")
	} else {
		r.logger.Debug("Computation started",
			logger.WithField("entity", types.Describe(e)),
			logger.WithField("causal_id", cc.CausalID()))
	}

	execute := func(ctx context.Context) error {
		if err := e.Compute(ctx); err != nil {
			return err
		}
		e.SetStatus(types.StatusSuccess)
		return r.resolver.SaveWithRetry(ctx, e)
	}

	// The marker is written outside the atomic unit so a crash mid
	// computation leaves a persisted IN_PROGRESS row for the startup
	// reset to recover.
	err := r.markInProgress(ctx, e)
	if err == nil {
		if e.Atomic() {
			err = r.store.Atomic(ctx, execute)
		} else {
			err = execute(ctx)
		}
	}
	if err != nil {
		e.SetStatus(types.StatusError)
	}

	r.complete(ctx, e)

	if err != nil {
		return fmt.Errorf("compute %s: %w", types.Describe(e), err)
	}
	return nil
}

// markInProgress persists the IN_PROGRESS marker through the no-trigger
// write path. A first-time entity has no row yet, so the full entity is
// saved; an identity clash on that save is resolved like any other.
func (r *Runner) markInProgress(ctx context.Context, e types.Entity) error {
	if e.StorageID() != 0 {
		return r.store.UpdateStatus(ctx, e)
	}
	return r.resolver.SaveWithRetry(ctx, e)
}

// Abort moves an IN_PROGRESS entity to ABORTED. This is an external
// override between or before attempts, not a cancellation signal into a
// running computation.
func (r *Runner) Abort(ctx context.Context, e types.Entity) error {
	if e.Status() != types.StatusInProgress {
		return &types.ValidationError{
			Reason: fmt.Sprintf("cannot abort %s from status %s", types.Describe(e), e.Status()),
		}
	}

	e.SetStatus(types.StatusAborted)
	r.complete(ctx, e)
	return nil
}

// complete is the completion handler, run after every attempt regardless
// of outcome: invalidate cached intermediate state for the causal id,
// persist the final status through the no-trigger write path, and notify
// observers.
func (r *Runner) complete(ctx context.Context, e types.Entity) {
	if cc, ok := correlation.FromContext(ctx); ok && r.cache != nil {
		r.cache.Invalidate(cc.CausalID())
	}

	if err := r.store.UpdateStatus(ctx, e); err != nil {
		r.logger.Error("Failed to persist final status",
			logger.WithField("entity", types.Describe(e)),
			logger.WithField("status", e.Status()),
			logger.WithField("error", err))
	}

	r.notifyStatus(e)
}

// notifyStatus tells observers about the new status. Observer errors and
// panics are swallowed and logged; they never fail orchestration.
func (r *Runner) notifyStatus(e types.Entity) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Status observer panicked",
				logger.WithField("entity", types.Describe(e)),
				logger.WithField("panic", rec))
		}
	}()
	r.notifier.NotifyStatusChanged(e, e.Status())
}
