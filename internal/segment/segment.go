package segment

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/events"
	"github.com/arashi-net/splitstore/internal/fec"
	"github.com/arashi-net/splitstore/internal/healer"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/raf"
	"github.com/arashi-net/splitstore/internal/segkeys"
)

// Segment is the per-segment fetch storage state machine (component D).
// All mutable fields below are guarded by mu, the segment lock; RAF I/O
// and cryptographic verification run with mu released, following the
// double-check pattern in OnGotKey, except for the slot write in
// commitBlock, which holds mu across its Pwrite.
type Segment struct {
	ref    events.SegmentRef
	params Params
	off    Offsets

	raf   *raf.Handle
	codec fec.Codec
	jobs  jobqueue.Enqueuer
	heal  healer.Healer
	fetch events.Fetcher

	// loadKeys reloads the key table from whatever cache/disk path the
	// parent wired in; called whenever keys is nil, which happens after
	// construction and whenever DropKeys is used to simulate reclamation
	// under memory pressure from a weak key-table cache.
	loadKeys func() (*segkeys.Table, error)

	mu   sync.Mutex
	keys *segkeys.Table

	slotBlock []int16
	present   []bool
	tried     []bool
	retries   []int32

	presentCount int

	succeeded      bool
	finished       bool
	failed         bool
	decodeInFlight bool
	metadataDirty  bool

	crossByBlock []CrossSegmentNotifiee
}

// New constructs an empty segment: all slots -1, present_count 0.
func New(ref events.SegmentRef, params Params, off Offsets, h *raf.Handle, codec fec.Codec, jobs jobqueue.Enqueuer, heal healer.Healer, fetch events.Fetcher, loadKeys func() (*segkeys.Table, error)) *Segment {
	s := &Segment{
		ref:       ref,
		params:    params,
		off:       off,
		raf:       h,
		codec:     codec,
		jobs:      jobs,
		heal:      heal,
		fetch:     fetch,
		loadKeys:  loadKeys,
		slotBlock: make([]int16, params.M()),
		present:   make([]bool, params.N()),
		tried:     make([]bool, params.N()),
	}
	if params.TrackRetries {
		s.retries = make([]int32, params.N())
	}
	for i := range s.slotBlock {
		s.slotBlock[i] = -1
	}
	if params.N() > 0 && params.M() > 0 {
		s.crossByBlock = make([]CrossSegmentNotifiee, params.M())
	}
	return s
}

// DropKeys discards the cached key table, forcing the next access to call
// loadKeys again. Used by a parent-level cache under memory pressure.
func (s *Segment) DropKeys() {
	s.mu.Lock()
	s.keys = nil
	s.mu.Unlock()
}

// keyTable returns the cached key table, reloading it if necessary. Must
// be called without the segment lock held, since loadKeys may hit disk.
func (s *Segment) keyTable() (*segkeys.Table, error) {
	s.mu.Lock()
	if s.keys != nil {
		k := s.keys
		s.mu.Unlock()
		return k, nil
	}
	s.mu.Unlock()

	k, err := s.loadKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnreadable, err)
	}
	s.mu.Lock()
	s.keys = k
	s.mu.Unlock()
	return k, nil
}

// terminalLocked reports whether the segment has reached succeeded or failed,
// under the caller's own lock (or lock-free for a best-effort check).
func (s *Segment) terminalLocked() bool { return s.succeeded || s.failed }

// DefinitelyWantKey is the fast non-mutating predicate the router uses to
// decide whether to bother calling OnGotKey at all.
func (s *Segment) DefinitelyWantKey(key blockcodec.ClientKey) bool {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	keys, err := s.keyTable()
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return false
	}
	return keys.BlockNumberOf(key.Content, s.present) >= 0
}

// OnGotKey is the hot path: the router calls this for every candidate
// block. It implements a double-check locking protocol: the cheap key-table
// load runs outside the lock (it may hit disk), then the block-number
// lookup and slot check run under the lock together, and the expensive
// cryptographic verify/decrypt run outside the lock again before the final
// commit decision is re-checked under the lock a second time.
func (s *Segment) OnGotKey(key blockcodec.ClientKey, ciphertext []byte) bool {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	keys, err := s.keyTable()
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.terminalLocked() || s.presentCount >= s.params.M() {
		s.mu.Unlock()
		return false
	}
	b := keys.BlockNumberOf(key.Content, s.present)
	s.mu.Unlock()
	if b < 0 {
		return false
	}

	if err := blockcodec.Verify(ciphertext, key); err != nil {
		return false
	}
	// The content key is a hash of the ciphertext, so verification must run
	// on ciphertext; what gets persisted is the padded plaintext block
	// underneath it, the fixed-size unit the FEC layer and WriteTo both
	// operate on. Unpack here is just a structural integrity check (bogus
	// length prefix) on the way to that padded form.
	padded, err := blockcodec.DecryptBlock(ciphertext, key.CryptoKey, key.Algo)
	if err != nil {
		return false
	}
	if _, err := blockcodec.Unpack(padded); err != nil {
		return false
	}

	return s.commitBlock(b, padded)
}

// OnDecodedBlock is the hook a cross-segment calls once it has
// reconstructed a padded plaintext block belonging to this segment. It
// behaves exactly like the commit half of OnGotKey — the cross-segment has
// already done the FEC reconstruction, so there is nothing left to verify.
func (s *Segment) OnDecodedBlock(blockNumber int, padded []byte) bool {
	if blockNumber < 0 || blockNumber >= s.params.N() {
		return false
	}
	return s.commitBlock(blockNumber, padded)
}

// commitBlock is shared by OnGotKey and OnDecodedBlock: re-check under the
// segment lock, allocate a free slot, write it, update state. The segment
// lock is held across the RAF write, a deliberate exception to the "never
// hold the segment lock across I/O" rule; this is what makes the slot
// allocation race-free without any separate reservation step, and why a
// failed write leaves present/slot_block/present_count untouched (nothing
// was set before the write succeeded).
func (s *Segment) commitBlock(b int, padded []byte) bool {
	s.mu.Lock()
	if s.terminalLocked() || s.present[b] || s.presentCount >= s.params.M() {
		s.mu.Unlock()
		return false
	}
	slot := s.findFreeSlotLocked()
	if slot < 0 {
		// Invariant 1/3 guarantee this cannot happen when present_count < M.
		s.mu.Unlock()
		slog.Error("segment: no free slot with present_count below M", "segment", s.ref.SegmentNo, "present_count", s.presentCount)
		return false
	}

	lock := s.raf.OpenLock()
	err := s.raf.Pwrite(s.blockOffset(slot), padded)
	lock.Unlock()
	if err != nil {
		s.mu.Unlock()
		s.failOnDiskError(err)
		return false
	}

	s.slotBlock[slot] = int16(b)
	s.present[b] = true
	s.presentCount++
	s.metadataDirty = true
	var notify CrossSegmentNotifiee
	if b < len(s.crossByBlock) {
		notify = s.crossByBlock[b]
		s.crossByBlock[b] = nil
	}
	s.mu.Unlock()

	if err := s.flushStatus(); err != nil {
		slog.Warn("segment: status flush failed after block commit", "segment", s.ref.SegmentNo, "error", err)
	}

	if notify != nil {
		notify.OnFetchedRelevantBlock()
	}

	s.TryStartDecode()
	return true
}

// OnNonFatalFailure records a retry and drives healing bookkeeping; it
// never fails a segment on its own — there is no retry loop in the core
// state machine.
func (s *Segment) OnNonFatalFailure(blockNumber int) {
	s.mu.Lock()
	changed := false
	if blockNumber >= 0 && blockNumber < s.params.N() {
		if s.retries != nil {
			s.retries[blockNumber]++
			changed = true
		}
		if !s.tried[blockNumber] {
			s.tried[blockNumber] = true
			changed = true
		}
	}
	if changed {
		s.metadataDirty = true
	}
	s.mu.Unlock()
	if changed {
		s.lazyWriteMetadata()
	}
}

// SetCrossByBlock registers a cross-segment callback for a data/cross-check
// slot, cleared automatically the instant that block is committed.
func (s *Segment) SetCrossByBlock(blockNumber int, notify CrossSegmentNotifiee) {
	s.mu.Lock()
	if blockNumber < 0 || blockNumber >= len(s.crossByBlock) {
		s.mu.Unlock()
		return
	}
	alreadyHave := s.present[blockNumber]
	if !alreadyHave {
		s.crossByBlock[blockNumber] = notify
	}
	s.mu.Unlock()

	if alreadyHave {
		// The block already arrived; notify immediately rather than
		// stashing a callback that would never fire.
		notify.OnFetchedRelevantBlock()
	}
}

func (s *Segment) findFreeSlotLocked() int {
	for i, b := range s.slotBlock {
		if b == -1 {
			return i
		}
	}
	return -1
}

func (s *Segment) blockOffset(slot int) int64 {
	return s.off.BlockData + int64(slot)*int64(s.params.BlockSize())
}

// failOnDiskError marks this segment failed; the parent is responsible for
// propagating this to every other segment of the splitfile.
func (s *Segment) failOnDiskError(err error) {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	slog.Error("segment: disk error, marking failed", "segment", s.ref.SegmentNo, "error", err)
}

// Fail marks the segment failed unconditionally, used by the parent for
// cancellation and for propagating another segment's disk error.
func (s *Segment) Fail() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Succeeded, Finished and Failed report the terminal flags for callers
// outside the package (parent routing, FUSE view, tests).
func (s *Segment) Succeeded() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.succeeded }
func (s *Segment) Finished() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.finished }
func (s *Segment) Failed() bool    { s.mu.Lock(); defer s.mu.Unlock(); return s.failed }

// PresentCount exposes present_count for tests and diagnostics.
func (s *Segment) PresentCount() int { s.mu.Lock(); defer s.mu.Unlock(); return s.presentCount }

// lazyWriteMetadata records dirtiness; the parent's background flusher
// (splitstore.Manager) periodically calls FlushIfDirty on every segment.
func (s *Segment) lazyWriteMetadata() {
	s.mu.Lock()
	s.metadataDirty = true
	s.mu.Unlock()
}

// FlushIfDirty writes the status region if metadataDirty is set, clearing
// the flag on success. Safe to call from a background ticker.
func (s *Segment) FlushIfDirty() error {
	s.mu.Lock()
	if !s.metadataDirty {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.flushStatus()
}

func (s *Segment) flushStatus() error {
	s.mu.Lock()
	buf := marshalStatus(s.params, s.slotBlock, s.retries, s.tried)
	s.mu.Unlock()

	lock := s.raf.OpenLock()
	defer lock.Unlock()
	if err := s.raf.Pwrite(s.off.Status, buf); err != nil {
		return err
	}

	s.mu.Lock()
	s.metadataDirty = false
	s.mu.Unlock()
	return nil
}

// LoadStatus reads the status region from disk and rebuilds slotBlock,
// retries, tried, present and present_count. Used to resume a segment
// after a process restart.
func (s *Segment) LoadStatus() error {
	buf := make([]byte, StatusLength(s.params))
	if err := s.raf.Pread(s.off.Status, buf); err != nil {
		return err
	}
	slotBlock, retries, tried, err := unmarshalStatus(s.params, buf)
	if err != nil {
		return err
	}

	present := make([]bool, s.params.N())
	presentCount := 0
	for _, b := range slotBlock {
		if b >= 0 && int(b) < len(present) && !present[b] {
			present[b] = true
			presentCount++
		}
	}

	s.mu.Lock()
	s.slotBlock = slotBlock
	s.retries = retries
	s.tried = tried
	s.present = present
	s.presentCount = presentCount
	s.mu.Unlock()
	return nil
}

// ReadBlock returns the current padded plaintext block for blockNumber, if
// present. Used by a cross-segment to pull a referenced block's bytes out
// of its owning segment once notified.
func (s *Segment) ReadBlock(blockNumber int) ([]byte, error) {
	s.mu.Lock()
	present := blockNumber >= 0 && blockNumber < len(s.present) && s.present[blockNumber]
	slot := -1
	if present {
		for i, b := range s.slotBlock {
			if int(b) == blockNumber {
				slot = i
				break
			}
		}
	}
	s.mu.Unlock()
	if slot < 0 {
		return nil, fmt.Errorf("segment: block %d not present", blockNumber)
	}
	buf := make([]byte, s.params.BlockSize())
	if err := s.raf.Pread(s.blockOffset(slot), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteTo streams the first D data blocks, unpacked to their original
// plaintext, to w. Only meaningful once Succeeded() is true: by then
// slot_block[i] == i for every i in [0,M), so block number and slot number
// coincide. Slots already hold the padded plaintext form, so no decryption
// happens here — each fetched block was decrypted once, in OnGotKey, and
// blocks that commitDecoded writes come out of the FEC codec as plaintext.
func (s *Segment) WriteTo(w interface{ Write([]byte) (int, error) }) error {
	padded := make([]byte, s.params.BlockSize())
	for b := 0; b < s.params.D; b++ {
		if err := s.raf.Pread(s.blockOffset(b), padded); err != nil {
			return err
		}
		plaintext, err := blockcodec.Unpack(padded)
		if err != nil {
			return fmt.Errorf("segment: write_to: unpack block %d: %w", b, err)
		}
		if _, err := w.Write(plaintext); err != nil {
			return fmt.Errorf("segment: write_to: %w", err)
		}
	}
	return nil
}
