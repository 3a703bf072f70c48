// Package keycache implements a weak cache of key tables: a key-table load
// is always safe but may be slow, so a cache slot's value may be reclaimed
// at any time and callers must re-materialize from disk on a miss.
package keycache

import (
	"sync"

	"github.com/arashi-net/splitstore/internal/segkeys"
)

// Cache is the contract segment/splitstore code depends on. A miss is not
// an error: the caller always falls back to reading the key list region.
type Cache interface {
	Get(splitfileID string, segNo int) (*segkeys.Table, bool)
	Put(splitfileID string, segNo int, t *segkeys.Table)
}

type cacheKey struct {
	splitfileID string
	segNo       int
}

// LRU is a size-bounded in-process cache. It does not implement strict
// least-recently-used eviction; when full it evicts an arbitrary entry,
// which is an honest Go analog of "the runtime may reclaim this at any
// time" — callers must never rely on a hit.
type LRU struct {
	mu       sync.Mutex
	capacity int
	entries  map[cacheKey]*segkeys.Table
}

// NewLRU creates an in-process cache holding at most capacity key tables.
func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{capacity: capacity, entries: make(map[cacheKey]*segkeys.Table)}
}

func (c *LRU) Get(splitfileID string, segNo int) (*segkeys.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[cacheKey{splitfileID, segNo}]
	return t, ok
}

func (c *LRU) Put(splitfileID string, segNo int, t *segkeys.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{splitfileID, segNo}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = t
}

var _ Cache = (*LRU)(nil)
