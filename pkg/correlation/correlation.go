// Package correlation carries a causal id and a nested "current entity"
// stack across thread, process, and worker boundaries so that logging and
// auditing collaborators can attribute effects to the operation that
// caused them.
//
// Propagation is explicit by design: no execution boundary here is
// guaranteed to inherit caller state, so work crossing a boundary must
// carry a Snapshot and the receiving side must Restore it before
// computing, and clear it when done.
package correlation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/reckoner/reckoner/pkg/types"
)

// contextKey is unexported to prevent key collisions
type contextKey struct{}

var calcContextKey = &contextKey{}

// EntityRef identifies one entity on the computation stack. It is a plain
// serializable value so a snapshot survives any execution boundary.
type EntityRef struct {
	Kind        string `json:"kind"`
	IdentityKey string `json:"identityKey"`
}

// RefOf builds the stack entry for an entity
func RefOf(e types.Entity) EntityRef {
	return EntityRef{Kind: e.Kind(), IdentityKey: types.IdentityKey(e)}
}

// Context is the correlation state of one outer operation: an opaque
// causal id plus the stack of entities currently being computed,
// innermost last. Safe for concurrent use.
type Context struct {
	mu       sync.Mutex
	causalID string
	stack    []EntityRef
}

// Snapshot is the serializable form of a Context, attached to every unit
// of work that crosses an execution boundary.
type Snapshot struct {
	CausalID string      `json:"causalId"`
	Stack    []EntityRef `json:"stack,omitempty"`
}

// Begin starts a new correlation context. An empty causal id is replaced
// by a generated one.
func Begin(causalID string) *Context {
	if causalID == "" {
		causalID = GenerateCausalID()
	}
	return &Context{causalID: causalID}
}

// GenerateCausalID creates a new unique causal id
func GenerateCausalID() string {
	return "cal_" + uuid.New().String()
}

// Attach places the correlation context on a context.Context
func Attach(parent context.Context, c *Context) context.Context {
	return context.WithValue(parent, calcContextKey, c)
}

// FromContext retrieves the active correlation context, if any
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(calcContextKey).(*Context)
	return c, ok && c != nil
}

// Ensure is the idempotent begin: if a correlation context is already
// active it is returned unchanged (an existing causal id is never
// overwritten); otherwise a new one is begun and attached.
func Ensure(ctx context.Context, causalID string) (context.Context, *Context) {
	if c, ok := FromContext(ctx); ok {
		return ctx, c
	}
	c := Begin(causalID)
	return Attach(ctx, c), c
}

// CausalID returns the operation's causal id
func (c *Context) CausalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.causalID
}

// PushEntity records that a computation for the entity has begun
func (c *Context) PushEntity(e types.Entity) {
	c.PushRef(RefOf(e))
}

// PushRef pushes an already-built reference, used when replaying a
// snapshot on the worker side.
func (c *Context) PushRef(ref EntityRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, ref)
}

// PopEntity removes the innermost stack entry. Popping an empty stack is
// a no-op.
func (c *Context) PopEntity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) > 0 {
		c.stack = c.stack[:len(c.stack)-1]
	}
}

// Current returns the innermost entity reference and whether one exists
func (c *Context) Current() (EntityRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return EntityRef{}, false
	}
	return c.stack[len(c.stack)-1], true
}

// Stack returns a copy of the entity stack, outermost first
func (c *Context) Stack() []EntityRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EntityRef(nil), c.stack...)
}

// Depth returns the number of nested computations in flight
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Snapshot captures the context for transfer across an execution boundary
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CausalID: c.causalID,
		Stack:    append([]EntityRef(nil), c.stack...),
	}
}

// Clear empties the context when the outer operation ends. Workers call
// this on exit regardless of outcome.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = nil
	c.causalID = ""
}

// Restore rebuilds a context from a snapshot on the receiving side of an
// execution boundary: begins with the snapshot's causal id and replays
// every stack entry in order.
func Restore(s Snapshot) *Context {
	c := Begin(s.CausalID)
	for _, ref := range s.Stack {
		c.PushRef(ref)
	}
	return c
}
