// Package transport provides the dispatch adapter between the engine and
// a pool of workers. The engine owns this contract; the pool implementation
// here runs workers in-process, but any message-queue backed implementation
// satisfying Transport can replace it.
//
// Delivery is at least once: a submitted group may execute more than once
// across fallback paths, which is safe because conflict resolution makes
// recomputation idempotent.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/reckoner/reckoner/pkg/correlation"
	"github.com/reckoner/reckoner/pkg/types"
)

// WorkItem is one outstanding unit of remote work: an execution group plus
// the correlation snapshot the worker must restore before computing.
type WorkItem struct {
	ID       string
	GroupKey string
	Entities []types.Entity
	Context  correlation.Snapshot
}

// NewWorkItem builds a work item for one execution group
func NewWorkItem(groupKey string, entities []types.Entity, snap correlation.Snapshot) WorkItem {
	return WorkItem{
		ID:       "wrk_" + uuid.New().String(),
		GroupKey: groupKey,
		Entities: entities,
		Context:  snap,
	}
}

// Handle is a reference to one outstanding unit of remote work.
//
// Wait blocks until the work settles and returns only transport-level
// errors (a worker failure is reported through Failed/Err so the caller
// can inspect rather than throw).
type Handle interface {
	Wait(ctx context.Context) error
	Failed() bool
	Err() error
}

// Transport submits execution groups to workers.
//
// Ping probes reachability; the engine never assumes the transport is up.
type Transport interface {
	Submit(ctx context.Context, item WorkItem) (Handle, error)
	Ping(ctx context.Context) error
}

// Executor runs one work item on the worker side. The engine injects its
// runner here so remote execution and local fallback share semantics.
type Executor func(ctx context.Context, item WorkItem) error
