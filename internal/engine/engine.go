// Package engine implements the calculation orchestration core: the
// per-entity status state machine, the clustering dispatcher, and the
// conflict resolver that together turn a partial specification into
// settled, uniquely-persisted calculated entities.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/reckoner/reckoner/pkg/cache"
	"github.com/reckoner/reckoner/pkg/config"
	"github.com/reckoner/reckoner/pkg/correlation"
	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/notify"
	"github.com/reckoner/reckoner/pkg/storage"
	"github.com/reckoner/reckoner/pkg/transport"
	"github.com/reckoner/reckoner/pkg/types"
)

// Dependencies contains the engine's collaborators. Store is required;
// everything else falls back to a process-local default.
type Dependencies struct {
	Store     storage.Store
	Transport transport.Transport
	Notifier  notify.Notifier
	Cache     cache.ResultCache
}

// Engine orchestrates calculated entity lifecycles: registration,
// expansion, dispatch, computation, and stale-state recovery.
type Engine struct {
	config *config.Config
	logger logger.Logger

	store    storage.Store
	notifier notify.Notifier
	cache    cache.ResultCache

	runner     *Runner
	resolver   *ConflictResolver
	dispatcher *Dispatcher

	pool      *transport.Pool
	transport transport.Transport

	mu       sync.RWMutex
	registry map[string]types.Entity
	started  bool
}

// New creates an engine with injected dependencies
func New(cfg *config.Config, log logger.Logger, deps Dependencies) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Store == nil {
		panic("engine: store dependency is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(log)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}

	e := &Engine{
		config:   cfg,
		logger:   log,
		store:    deps.Store,
		notifier: deps.Notifier,
		cache:    deps.Cache,
		registry: make(map[string]types.Entity),
	}

	e.resolver = NewConflictResolver(deps.Store, log)
	e.runner = NewRunner(deps.Store, e.resolver, deps.Notifier, deps.Cache, log)

	e.transport = deps.Transport
	if e.transport == nil && cfg.Dispatch.Distributed {
		// No external transport configured: own an in-process pool whose
		// workers restore correlation state before computing.
		e.pool = transport.NewPool(cfg.Dispatch.Parallelization, e.executeWorkItem, log)
		e.transport = e.pool
	}

	e.dispatcher = NewDispatcher(e.runner, e.resolver, e.transport, deps.Notifier, cfg.Dispatch, log)
	return e
}

// Register declares an entity kind from a prototype. The prototype's
// schema is validated once here so dispatch never meets a malformed kind.
func (e *Engine) Register(proto types.Entity) error {
	schema := types.SchemaOf(proto)
	if err := schema.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.registry[schema.Kind]; exists {
		return &types.ValidationError{
			Reason: fmt.Sprintf("kind %s is already registered", schema.Kind),
		}
	}
	e.registry[schema.Kind] = proto.Clone()

	e.logger.Debug("Registered entity kind",
		logger.WithField("kind", schema.Kind),
		logger.WithField("identity_fields", schema.IdentityFields),
		logger.WithField("parallelization_fields", schema.ParallelizationFields))
	return nil
}

// Prototype returns the registered prototype for a kind
func (e *Engine) Prototype(kind string) (types.Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	proto, ok := e.registry[kind]
	if !ok {
		return nil, false
	}
	return proto.Clone(), true
}

// ExpandAndDispatch materializes every entity matching the partial
// specification for a registered kind and routes them through the
// dispatcher. The returned entities reflect settled statuses when the
// engine is configured to wait for completion.
func (e *Engine) ExpandAndDispatch(ctx context.Context, kind string, spec types.PartialSpec) ([]types.Entity, error) {
	proto, ok := e.Prototype(kind)
	if !ok {
		return nil, &types.ValidationError{
			Reason: fmt.Sprintf("kind %s is not registered", kind),
		}
	}
	return e.dispatcher.Dispatch(ctx, proto, spec)
}

// RequestComputation runs one computation attempt for a single entity,
// outside of any dispatch cycle.
func (e *Engine) RequestComputation(ctx context.Context, entity types.Entity) error {
	return e.runner.RequestComputation(ctx, entity)
}

// Abort moves an in-progress entity to the aborted status
func (e *Engine) Abort(ctx context.Context, entity types.Entity) error {
	return e.runner.Abort(ctx, entity)
}

// Start brings up the owned transport, if any, and resets stale
// calculations left behind by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	kinds := make([]string, 0, len(e.registry))
	for kind := range e.registry {
		kinds = append(kinds, kind)
	}
	e.mu.Unlock()

	if e.pool != nil {
		e.pool.Start(ctx)
	}

	for _, kind := range kinds {
		if err := e.ResetStaleCalculations(ctx, kind); err != nil {
			return err
		}
	}

	e.logger.Info("Engine started",
		logger.WithField("kinds", len(kinds)),
		logger.WithField("distributed", e.config.Dispatch.Distributed))
	return nil
}

// Stop drains the owned transport and waits for in-flight work
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	if e.pool != nil {
		e.pool.Stop()
	}
	e.logger.Info("Engine stopped")
}

// ResetStaleCalculations flips persisted IN_PROGRESS rows of a kind to
// ABORTED. A row can only be IN_PROGRESS while a computation is actually
// running, so any found outside one is a leftover from a crash.
func (e *Engine) ResetStaleCalculations(ctx context.Context, kind string) error {
	matches, err := e.store.StatusesByKind(ctx, kind)
	if err != nil {
		return fmt.Errorf("reset stale calculations for %s: %w", kind, err)
	}

	reset := 0
	for _, m := range matches {
		if m.Status != types.StatusInProgress {
			continue
		}
		if err := e.store.SetStatusByID(ctx, kind, m.ID, types.StatusAborted); err != nil {
			return fmt.Errorf("reset stale calculations for %s: %w", kind, err)
		}
		reset++
	}

	if reset > 0 {
		e.logger.Warn("Reset stale in-progress calculations",
			logger.WithField("kind", kind),
			logger.WithField("count", reset))
	}
	return nil
}

// executeWorkItem is the worker-side entry point: restore the carried
// correlation state, run the group's entities in order, and clear the
// restored state on exit regardless of outcome.
func (e *Engine) executeWorkItem(ctx context.Context, item transport.WorkItem) error {
	cc := correlation.Restore(item.Context)
	defer cc.Clear()
	ctx = correlation.Attach(ctx, cc)

	for _, entity := range item.Entities {
		if err := e.runner.RequestComputation(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}
