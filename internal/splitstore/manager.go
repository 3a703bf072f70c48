// Package splitstore implements component F, parent storage: the Manager
// holds the vector of segments and cross-segments for one splitfile,
// routing arriving keys to the right segment and delegating everything
// else to its children. The Manager does not hold the RAF, the FEC codec
// or the job queue; BuildSegments and BuildCrossSegment hand those to each
// segment and cross-segment.
package splitstore

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/cluster"
	"github.com/arashi-net/splitstore/internal/crosssegment"
	"github.com/arashi-net/splitstore/internal/segment"
)

// Manager is the per-splitfile parent storage instance (component F). It
// never mutates a segment's internals directly; every operation delegates
// to the segment/cross-segment public contract.
type Manager struct {
	id string

	mu       sync.RWMutex
	segments []*segment.Segment
	crosses  []*crosssegment.CrossSegment
	failed   bool
}

// New constructs a parent storage instance over an already-built vector of
// segments and cross-segments (built by BuildSegments/BuildCrossSegment, or
// restored from the Registry on process restart).
func New(id string, segments []*segment.Segment, crosses []*crosssegment.CrossSegment) *Manager {
	return &Manager{id: id, segments: segments, crosses: crosses}
}

// Register records this splitfile in reg, so a process restart can find it
// again via Registry.List. Callers that always reconstruct a Manager from
// scratch (the cluster coordinator's per-range ownership handoff, a
// one-shot CLI fetch) can skip this.
func (m *Manager) Register(reg *Registry, rafPath string, fixed segment.FixedMetadata) error {
	return reg.Put(RegistryRecord{ID: m.id, RAFPath: rafPath, Fixed: fixed, CreatedAt: time.Now()})
}

// Unregister removes this splitfile's registry entry, called once the
// parent storage instance tears down (completed write_out, or abandoned).
func (m *Manager) Unregister(reg *Registry) error {
	return reg.Delete(m.id)
}

// ID returns the splitfile identifier this manager owns.
func (m *Manager) ID() string { return m.id }

// RouteBlock delivers an arriving (key, ciphertext) pair to the first
// segment that definitely wants it. Returns true iff some segment accepted
// the block.
func (m *Manager) RouteBlock(key blockcodec.ClientKey, ciphertext []byte) bool {
	m.mu.RLock()
	segs := m.segments
	m.mu.RUnlock()

	for _, seg := range segs {
		if !seg.DefinitelyWantKey(key) {
			continue
		}
		if seg.OnGotKey(key, ciphertext) {
			return true
		}
	}
	return false
}

// WriteOut streams the reconstructed splitfile by concatenating every
// segment's WriteTo output in order.
func (m *Manager) WriteOut(w io.Writer) error {
	m.mu.RLock()
	segs := m.segments
	m.mu.RUnlock()

	for i, seg := range segs {
		if !seg.Succeeded() {
			return fmt.Errorf("splitstore: segment %d not yet succeeded", i)
		}
		if err := seg.WriteTo(w); err != nil {
			return fmt.Errorf("splitstore: write_out segment %d: %w", i, err)
		}
	}
	return nil
}

// Succeeded reports whether every segment of this splitfile has succeeded.
func (m *Manager) Succeeded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, seg := range m.segments {
		if !seg.Succeeded() {
			return false
		}
	}
	return true
}

// Failed reports whether this splitfile has been marked failed.
func (m *Manager) Failed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

// FailOnDiskError marks every segment of the splitfile failed: a disk
// error on the shared RAF is unrecoverable for the whole splitfile, not
// just the segment that triggered it.
func (m *Manager) FailOnDiskError(err error) {
	m.mu.Lock()
	m.failed = true
	segs := m.segments
	m.mu.Unlock()

	slog.Error("splitstore: disk error, failing splitfile", "splitfile", m.id, "error", err)
	for _, seg := range segs {
		seg.Fail()
	}
}

// TryStartDecodes sweeps every segment of this splitfile and calls
// TryStartDecode on those this process owns. This is the only place
// outside OnGotKey's own automatic trigger that drives decode scheduling,
// so it is the only place that needs to consult owner; OnGotKey's own
// trigger always fires regardless of ownership (the block that just
// landed on this process's RAF needs decoding wherever it lands).
// Intended to be called by the same periodic sweep that drives
// LazyWriteMetadata, to retry decodes that an earlier TryStartDecode call
// skipped (not enough blocks yet, or in flight).
func (m *Manager) TryStartDecodes(owner cluster.RangeOwner) {
	m.mu.RLock()
	segs := m.segments
	id := m.id
	m.mu.RUnlock()

	for i, seg := range segs {
		if !owner.Owns(id, i) {
			continue
		}
		seg.TryStartDecode()
	}
}

// LazyWriteMetadata flushes every segment whose metadata is dirty. Intended
// to be called periodically by a background ticker, coalescing many small
// status writes into one sweep per tick rather than one per block arrival.
func (m *Manager) LazyWriteMetadata() {
	m.mu.RLock()
	segs := m.segments
	m.mu.RUnlock()

	for i, seg := range segs {
		if err := seg.FlushIfDirty(); err != nil {
			slog.Warn("splitstore: periodic metadata flush failed", "splitfile", m.id, "segment", i, "error", err)
		}
	}
}
