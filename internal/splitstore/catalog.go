package splitstore

import (
	"fmt"
	"io"
	"sync"

	"github.com/arashi-net/splitstore/internal/cluster"
)

// Catalog tracks every Manager a process currently holds, keyed by
// splitfile ID, and implements fuseview.Source so the read-only FUSE view
// can enumerate and stream them without splitstore importing fuseview
// (fuseview depends on splitstore's Manager type indirectly through this
// narrow interface, not the other way around).
type Catalog struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{managers: make(map[string]*Manager)}
}

// Add registers m under its own ID, replacing any prior entry with the
// same ID.
func (c *Catalog) Add(m *Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managers[m.ID()] = m
}

// Remove drops a splitfile from the catalog, e.g. once torn down.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.managers, id)
}

// SplitfileIDs implements fuseview.Source.
func (c *Catalog) SplitfileIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.managers))
	for id := range c.managers {
		ids = append(ids, id)
	}
	return ids
}

// Succeeded implements fuseview.Source.
func (c *Catalog) Succeeded(id string) bool {
	m, ok := c.lookup(id)
	return ok && m.Succeeded()
}

// WriteOut implements fuseview.Source.
func (c *Catalog) WriteOut(id string, w io.Writer) error {
	m, ok := c.lookup(id)
	if !ok {
		return fmt.Errorf("splitstore: catalog: unknown splitfile %q", id)
	}
	return m.WriteOut(w)
}

// SweepAll flushes dirty metadata and retries owned decode scheduling for
// every splitfile in the catalog, the periodic work a background ticker
// calls.
func (c *Catalog) SweepAll(owner cluster.RangeOwner) {
	c.mu.RLock()
	managers := make([]*Manager, 0, len(c.managers))
	for _, m := range c.managers {
		managers = append(managers, m)
	}
	c.mu.RUnlock()

	for _, m := range managers {
		m.LazyWriteMetadata()
		m.TryStartDecodes(owner)
	}
}

func (c *Catalog) lookup(id string) (*Manager, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.managers[id]
	return m, ok
}
