// Package cache holds intermediate calculation state keyed by causal id.
// Logging collaborators append to it while a calculation runs; the
// completion handler invalidates the key when the calculation settles so
// stale intermediate logs never outlive their operation.
package cache

import "sync"

// ResultCache is the collaborator contract for cached intermediate state
type ResultCache interface {
	Put(causalID string, entry any)
	Get(causalID string) ([]any, bool)
	Invalidate(causalID string)
}

// MemoryCache is a process-local ResultCache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]any
}

// NewMemory creates an empty in-process cache
func NewMemory() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]any)}
}

// Put appends one entry under a causal id
func (c *MemoryCache) Put(causalID string, entry any) {
	if causalID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[causalID] = append(c.entries[causalID], entry)
}

// Get returns the entries recorded under a causal id
func (c *MemoryCache) Get(causalID string) ([]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.entries[causalID]
	if !ok {
		return nil, false
	}
	return append([]any(nil), entries...), true
}

// Invalidate drops everything recorded under a causal id
func (c *MemoryCache) Invalidate(causalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, causalID)
}

var _ ResultCache = (*MemoryCache)(nil)
