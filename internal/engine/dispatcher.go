package engine

import (
	"context"
	"fmt"

	"github.com/reckoner/reckoner/pkg/config"
	"github.com/reckoner/reckoner/pkg/correlation"
	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/notify"
	"github.com/reckoner/reckoner/pkg/transport"
	"github.com/reckoner/reckoner/pkg/types"
)

// ExecutionGroup is one parallelization bucket: entities sharing a group
// key, always dispatched together and executed in order within the group.
type ExecutionGroup struct {
	Key      string
	Entities []types.Entity
}

// Dispatcher expands partial specifications into concrete entities,
// reconciles them against persisted rows, clusters them into execution
// groups, and routes each group to distributed workers or local execution.
type Dispatcher struct {
	runner   *Runner
	resolver *ConflictResolver
	notifier notify.Notifier
	logger   logger.Logger
	options  config.DispatchConfig

	transport transport.Transport
}

// NewDispatcher creates a dispatcher. A nil transport forces local routing
// regardless of the configured dispatch mode.
func NewDispatcher(
	runner *Runner,
	resolver *ConflictResolver,
	t transport.Transport,
	notifier notify.Notifier,
	options config.DispatchConfig,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		runner:    runner,
		resolver:  resolver,
		notifier:  notifier,
		logger:    log,
		options:   options,
		transport: t,
	}
}

// Expand materializes the cross product of candidate values over the
// prototype's identity fields. Fields pinned by the spec are expanded
// first and take their candidate lists from the spec; the remaining
// identity fields follow in declaration order with the prototype's own
// candidates. Every combination yields one cloned entity.
func (d *Dispatcher) Expand(proto types.Entity, spec types.PartialSpec) ([]types.Entity, error) {
	identity := proto.IdentityFields()
	known := make(map[string]bool, len(identity))
	for _, f := range identity {
		known[f] = true
	}
	for f := range spec {
		if !known[f] {
			return nil, &types.ValidationError{
				Reason: fmt.Sprintf("kind %s has no identity field %q", proto.Kind(), f),
			}
		}
	}

	// Pinned fields lead, unpinned trail, both in declaration order.
	ordered := make([]string, 0, len(identity))
	for _, f := range identity {
		if _, pinned := spec[f]; pinned {
			ordered = append(ordered, f)
		}
	}
	for _, f := range identity {
		if _, pinned := spec[f]; !pinned {
			ordered = append(ordered, f)
		}
	}

	entities := []types.Entity{proto.Clone()}
	for _, field := range ordered {
		candidates, pinned := spec[field]
		if !pinned {
			var err error
			candidates, err = proto.CandidateValues(field)
			if err != nil {
				return nil, fmt.Errorf("candidates for %s.%s: %w", proto.Kind(), field, err)
			}
		}
		if len(candidates) == 0 {
			return nil, &types.ValidationError{
				Reason: fmt.Sprintf("identity field %s.%s has no candidate values", proto.Kind(), field),
			}
		}

		next := make([]types.Entity, 0, len(entities)*len(candidates))
		for _, e := range entities {
			for _, v := range candidates {
				c := e.Clone()
				c.SetField(field, v)
				next = append(next, c)
			}
		}
		entities = next
	}

	return entities, nil
}

// Partition clusters entities into execution groups by group key,
// preserving first-seen group order and entity order within each group.
// The groups are disjoint and exhaustive over the input.
func (d *Dispatcher) Partition(entities []types.Entity) []ExecutionGroup {
	index := make(map[string]int)
	var groups []ExecutionGroup
	for _, e := range entities {
		key := types.GroupKey(e)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ExecutionGroup{Key: key})
		}
		groups[i].Entities = append(groups[i].Entities, e)
	}
	return groups
}

// Dispatch expands a partial specification, reconciles each entity against
// persisted rows, and routes the resulting execution groups. When waiting
// is configured the call returns after every group has settled; otherwise
// routing continues in the background and failures are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, proto types.Entity, spec types.PartialSpec) ([]types.Entity, error) {
	ctx, cc := correlation.Ensure(ctx, "")

	entities, err := d.Expand(proto, spec)
	if err != nil {
		return nil, err
	}

	for _, e := range entities {
		if err := d.resolver.Reconcile(ctx, e); err != nil {
			return nil, err
		}
	}

	groups := d.Partition(entities)
	d.logger.Info("Dispatching calculation",
		logger.WithField("kind", proto.Kind()),
		logger.WithField("entities", len(entities)),
		logger.WithField("groups", len(groups)),
		logger.WithField("causal_id", cc.CausalID()))

	if d.options.WaitForCompletion {
		return entities, d.route(ctx, groups)
	}

	go func() {
		if err := d.route(ctx, groups); err != nil {
			d.logger.Error("Background dispatch failed",
				logger.WithField("kind", proto.Kind()),
				logger.WithField("error", err),
				logger.WithField("causal_id", cc.CausalID()))
		}
	}()
	return entities, nil
}

// route sends the groups down the distributed path when it is configured
// and reachable, and runs them locally otherwise. Distribution is an
// optimization: any group the transport cannot carry to completion is
// re-executed locally, so routing never changes outcomes.
func (d *Dispatcher) route(ctx context.Context, groups []ExecutionGroup) error {
	if len(groups) == 0 {
		return nil
	}

	if !d.options.Distributed || d.transport == nil {
		return d.runLocal(ctx, groups)
	}
	if err := d.transport.Ping(ctx); err != nil {
		d.logger.Warn("Transport unreachable, executing locally",
			logger.WithField("error", err))
		return d.runLocal(ctx, groups)
	}

	return d.runDistributed(ctx, groups)
}

// runDistributed submits every group to the transport and waits for the
// whole batch. A group rejected at submission runs locally right away. If
// waiting itself fails at the transport level the entire batch is re-run
// locally; groups whose workers report failure are re-run locally one by
// one, and only a failure during that fallback surfaces to the caller.
func (d *Dispatcher) runDistributed(ctx context.Context, groups []ExecutionGroup) error {
	snap := snapshotOf(ctx)

	type pending struct {
		group  ExecutionGroup
		handle transport.Handle
	}

	var submitted []pending
	for _, g := range groups {
		item := transport.NewWorkItem(g.Key, g.Entities, snap)
		handle, err := d.transport.Submit(ctx, item)
		if err != nil {
			derr := &types.DispatchError{GroupKey: g.Key, Err: err}
			d.logger.Warn("Submission failed, executing group locally",
				logger.WithField("group", g.Key),
				logger.WithField("error", derr))
			if lerr := d.runGroup(ctx, g); lerr != nil {
				return lerr
			}
			continue
		}
		d.notifyDispatch(g)
		submitted = append(submitted, pending{group: g, handle: handle})
	}

	if len(submitted) == 0 {
		return nil
	}

	waits, waitCtx := NewSafeGroup(ctx, d.logger)
	for _, p := range submitted {
		p := p
		waits.Go(func() error {
			return p.handle.Wait(waitCtx)
		})
	}
	if err := waits.Wait(); err != nil {
		d.logger.Warn("Waiting on workers failed, re-executing batch locally",
			logger.WithField("error", err))
		remaining := make([]ExecutionGroup, 0, len(submitted))
		for _, p := range submitted {
			remaining = append(remaining, p.group)
		}
		return d.runLocal(ctx, remaining)
	}

	for _, p := range submitted {
		if !p.handle.Failed() {
			continue
		}
		werr := &types.WorkerError{GroupKey: p.group.Key, Err: p.handle.Err()}
		d.logger.Warn("Worker reported failure, re-executing group locally",
			logger.WithField("group", p.group.Key),
			logger.WithField("error", werr))
		if lerr := d.runGroup(ctx, p.group); lerr != nil {
			return &types.WorkerError{GroupKey: p.group.Key, Err: lerr}
		}
	}
	return nil
}

// runLocal executes groups on the calling process, groups concurrently up
// to the configured parallelization, entities within a group in order.
func (d *Dispatcher) runLocal(ctx context.Context, groups []ExecutionGroup) error {
	sg, gctx := NewSafeGroup(ctx, d.logger)
	if d.options.Parallelization > 0 {
		sg.SetLimit(d.options.Parallelization)
	}
	for _, g := range groups {
		g := g
		sg.Go(func() error {
			return d.runGroup(gctx, g)
		})
	}
	return sg.Wait()
}

// runGroup computes a group's entities sequentially, stopping at the
// first failure.
func (d *Dispatcher) runGroup(ctx context.Context, g ExecutionGroup) error {
	for _, e := range g.Entities {
		if err := d.runner.RequestComputation(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) notifyDispatch(g ExecutionGroup) {
	if d.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Warn("Dispatch observer panicked",
				logger.WithField("group", g.Key),
				logger.WithField("panic", rec))
		}
	}()
	d.notifier.NotifyDispatch(g.Key, len(g.Entities))
}

// snapshotOf captures the active correlation state for transfer, or an
// empty snapshot when none is attached.
func snapshotOf(ctx context.Context) correlation.Snapshot {
	if cc, ok := correlation.FromContext(ctx); ok {
		return cc.Snapshot()
	}
	return correlation.Snapshot{}
}
