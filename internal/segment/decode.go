package segment

import (
	"log/slog"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/segkeys"
)

// TryStartDecode is idempotent: it does nothing unless at least M blocks
// are present, no decode is already running, and the segment isn't
// terminal. Otherwise it submits the decode task to the job runner at low
// priority.
func (s *Segment) TryStartDecode() bool {
	s.mu.Lock()
	if s.terminalLocked() || s.decodeInFlight || s.presentCount < s.params.M() {
		s.mu.Unlock()
		return false
	}
	s.decodeInFlight = true
	s.mu.Unlock()

	s.jobs.QueueJob(s.decodeMemoryEstimate(), jobqueue.Low, func(chunk *jobqueue.Chunk) {
		defer chunk.Release()
		s.runDecodeTask()
	})
	return true
}

// decodeMemoryEstimate computes N·L plus the larger of the codec's
// decode/encode overhead, since both run in the same task.
func (s *Segment) decodeMemoryEstimate() int64 {
	k, r := s.params.M(), s.params.C
	overhead := s.codec.MaxMemoryOverheadDecode(k, r)
	if enc := s.codec.MaxMemoryOverheadEncode(k, r); enc > overhead {
		overhead = enc
	}
	return int64(s.params.N())*int64(s.params.BlockSize()) + overhead
}

// candidate is a slot whose contents survived the reconciliation pass: a
// plausible padded plaintext block for some declared block number.
type candidate struct {
	slot   int
	block  int
	padded []byte
}

func (s *Segment) runDecodeTask() {
	s.mu.Lock()
	if s.terminalLocked() {
		s.decodeInFlight = false
		s.mu.Unlock()
		return
	}
	slotBlockSnapshot := append([]int16(nil), s.slotBlock...)
	s.mu.Unlock()

	buffers, err := s.readAllSlots()
	if err != nil {
		slog.Warn("segment: decode task read failed, will retry on next trigger", "segment", s.ref.SegmentNo, "error", err)
		s.mu.Lock()
		s.decodeInFlight = false
		s.mu.Unlock()
		return
	}

	keys, err := s.keyTable()
	if err != nil {
		slog.Warn("segment: decode task keys unreadable, will retry on next trigger", "segment", s.ref.SegmentNo, "error", err)
		s.mu.Lock()
		s.decodeInFlight = false
		s.mu.Unlock()
		return
	}

	candidates := s.reconcile(slotBlockSnapshot, buffers)
	if len(candidates) < s.params.M() {
		s.finishDecodeAttempt(false)
		return
	}

	candidates = s.verify(candidates, keys)
	if len(candidates) < s.params.M() {
		s.finishDecodeAttempt(false)
		return
	}

	data, check, dataPresent, checkPresent := s.layout(candidates)

	if !allTrue(dataPresent) {
		if err := s.codec.Decode(data, check, dataPresent, checkPresent, s.params.BlockSize()); err != nil {
			slog.Error("segment: fec decode failed, marking failed", "segment", s.ref.SegmentNo, "error", err)
			s.Fail()
			s.finishDecodeAttempt(false)
			return
		}
	}

	if err := s.commitDecoded(data); err != nil {
		slog.Error("segment: commit of decoded blocks failed, marking failed", "segment", s.ref.SegmentNo, "error", err)
		s.Fail()
		s.finishDecodeAttempt(false)
		return
	}

	s.fetch.FinishedSuccess(s.ref)
	s.fireRemainingCrossCallbacks()

	s.encodeAndHeal(data, check, dataPresent, checkPresent, keys)

	s.finishDecodeAttempt(true)
	s.fetch.FinishedEncoding(s.ref)
}

func (s *Segment) readAllSlots() ([][]byte, error) {
	buffers := make([][]byte, s.params.M())
	for i := range buffers {
		buf := make([]byte, s.params.BlockSize())
		if err := s.raf.Pread(s.blockOffset(i), buf); err != nil {
			return nil, err
		}
		buffers[i] = buf
	}
	return buffers, nil
}

// reconcile walks the slot_block snapshot, dropping slots whose declared
// block number is out of range or duplicated.
func (s *Segment) reconcile(slotBlock []int16, buffers [][]byte) []candidate {
	seen := make(map[int]bool)
	var dirty bool
	candidates := make([]candidate, 0, len(slotBlock))

	s.mu.Lock()
	for slot, b16 := range slotBlock {
		b := int(b16)
		switch {
		case b < 0:
			continue
		case b >= s.params.N():
			slog.Warn("segment: reconciliation dropped out-of-range block number", "segment", s.ref.SegmentNo, "slot", slot, "block", b)
			s.clearSlotLocked(slot, b)
			dirty = true
		case seen[b]:
			slog.Warn("segment: reconciliation dropped duplicate block number", "segment", s.ref.SegmentNo, "slot", slot, "block", b)
			s.clearSlotLocked(slot, b)
			dirty = true
		default:
			seen[b] = true
			candidates = append(candidates, candidate{slot: slot, block: b, padded: buffers[slot]})
		}
	}
	s.recomputePresentCountLocked()
	if dirty {
		s.metadataDirty = true
	}
	s.mu.Unlock()

	if dirty {
		if err := s.flushStatus(); err != nil {
			slog.Warn("segment: status flush after reconciliation failed", "segment", s.ref.SegmentNo, "error", err)
		}
	}
	return candidates
}

// clearSlotLocked drops a bogus or duplicate slot; caller holds s.mu.
func (s *Segment) clearSlotLocked(slot, declaredBlock int) {
	if slot < len(s.slotBlock) {
		s.slotBlock[slot] = -1
	}
	if declaredBlock >= 0 && declaredBlock < len(s.present) {
		s.present[declaredBlock] = false
	}
}

func (s *Segment) recomputePresentCountLocked() {
	count := 0
	present := make([]bool, s.params.N())
	for _, b := range s.slotBlock {
		if b >= 0 && int(b) < len(present) {
			present[b] = true
		}
	}
	for _, p := range present {
		if p {
			count++
		}
	}
	s.present = present
	s.presentCount = count
}

// verify re-encrypts each candidate's stored padded block under the
// declared block's expected crypto key and checks the resulting content
// key against the declared key's. Unlike ciphertext, a padded plaintext
// block carries no key-independent content hash of its own, so a mismatch
// is recovered by trying every key in the table in turn rather than a
// single reverse lookup; if none matches the slot is corrupt and dropped.
func (s *Segment) verify(candidates []candidate, keys *segkeys.Table) []candidate {
	var dirty bool
	kept := make([]candidate, 0, len(candidates))

	for _, c := range candidates {
		expected, err := keys.KeyAt(c.block)
		if err != nil {
			continue
		}
		if _, ck, err := blockcodec.EncryptBlock(c.padded, expected.CryptoKey, expected.Algo); err == nil && ck.Content == expected.Content {
			kept = append(kept, c)
			continue
		}

		reassigned := findOwningBlock(c.padded, keys)
		if reassigned < 0 {
			slog.Warn("segment: verification found corrupt slot, dropping", "segment", s.ref.SegmentNo, "slot", c.slot, "declared_block", c.block)
			s.mu.Lock()
			s.clearSlotLocked(c.slot, c.block)
			s.mu.Unlock()
			dirty = true
			continue
		}
		slog.Info("segment: verification reassigned slot to actual block", "segment", s.ref.SegmentNo, "slot", c.slot, "declared_block", c.block, "actual_block", reassigned)
		s.mu.Lock()
		s.slotBlock[c.slot] = int16(reassigned)
		s.mu.Unlock()
		dirty = true
		kept = append(kept, candidate{slot: c.slot, block: reassigned, padded: c.padded})
	}

	s.mu.Lock()
	s.recomputePresentCountLocked()
	if dirty {
		s.metadataDirty = true
	}
	s.mu.Unlock()

	if dirty {
		if err := s.flushStatus(); err != nil {
			slog.Warn("segment: status flush after verification failed", "segment", s.ref.SegmentNo, "error", err)
		}
	}
	return kept
}

// findOwningBlock tries re-encrypting padded under every key in the table
// and returns the index whose content key matches, or -1 if none does.
func findOwningBlock(padded []byte, keys *segkeys.Table) int {
	for i := 0; i < keys.N(); i++ {
		k, err := keys.KeyAt(i)
		if err != nil {
			continue
		}
		if _, ck, err := blockcodec.EncryptBlock(padded, k.CryptoKey, k.Algo); err == nil && ck.Content == k.Content {
			return i
		}
	}
	return -1
}

// layout builds the data[0..M) / check[0..C) arrays and presence masks the
// FEC codec expects, from validated candidates. Both arrays hold padded
// plaintext blocks, the domain FEC math is actually valid over: every
// block is encrypted under its own independent key, so a linear
// relationship between ciphertext bytes from different blocks would not
// correspond to anything a real encoder could have produced.
func (s *Segment) layout(candidates []candidate) (data, check [][]byte, dataPresent, checkPresent []bool) {
	m, c := s.params.M(), s.params.C
	data = make([][]byte, m)
	check = make([][]byte, c)
	dataPresent = make([]bool, m)
	checkPresent = make([]bool, c)

	for i := range data {
		data[i] = make([]byte, s.params.BlockSize())
	}
	for i := range check {
		check[i] = make([]byte, s.params.BlockSize())
	}

	for _, cd := range candidates {
		if cd.block < m {
			data[cd.block] = cd.padded
			dataPresent[cd.block] = true
		} else {
			idx := cd.block - m
			check[idx] = cd.padded
			checkPresent[idx] = true
		}
	}
	return data, check, dataPresent, checkPresent
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}

// commitDecoded writes every data/cross-check block to its canonical slot
// (slot i <- block i) and marks the segment succeeded.
func (s *Segment) commitDecoded(data [][]byte) error {
	lock := s.raf.OpenLock()
	for i, buf := range data {
		if err := s.raf.Pwrite(s.blockOffset(i), buf); err != nil {
			lock.Unlock()
			return err
		}
	}
	lock.Unlock()

	s.mu.Lock()
	for i := range data {
		s.slotBlock[i] = int16(i)
	}
	for i := 0; i < s.params.M(); i++ {
		s.present[i] = true
	}
	s.presentCount = s.params.M()
	s.succeeded = true
	s.metadataDirty = true
	s.mu.Unlock()

	return s.flushStatus()
}

// fireRemainingCrossCallbacks notifies every cross-segment still waiting on
// a data/cross-check slot of this segment, now that every such slot has a
// value.
func (s *Segment) fireRemainingCrossCallbacks() {
	s.mu.Lock()
	pending := s.crossByBlock
	s.crossByBlock = make([]CrossSegmentNotifiee, len(pending))
	s.mu.Unlock()

	for _, n := range pending {
		if n != nil {
			n.OnFetchedRelevantBlock()
		}
	}
}

// encodeAndHeal fills in any still-missing check blocks via the FEC codec
// and queues every tried-but-missing block for healing. Runs with no locks
// held.
func (s *Segment) encodeAndHeal(data, check [][]byte, dataPresent, checkPresent []bool, keys *segkeys.Table) {
	if s.params.C > 0 && !allTrue(checkPresent) {
		if err := s.codec.Encode(data, check, checkPresent, s.params.BlockSize()); err != nil {
			slog.Warn("segment: fec encode of check blocks failed", "segment", s.ref.SegmentNo, "error", err)
			return
		}
	}

	s.mu.Lock()
	tried := append([]bool(nil), s.tried...)
	s.mu.Unlock()

	m := s.params.M()
	for i := 0; i < m; i++ {
		if tried[i] && !dataPresent[i] {
			s.queueHeal(data[i], keys, i)
		}
	}
	for i := 0; i < s.params.C; i++ {
		block := m + i
		if block < len(tried) && tried[block] && !checkPresent[i] {
			s.queueHeal(check[i], keys, block)
		}
	}
}

// queueHeal re-derives the real ciphertext for a padded plaintext block
// under its own key before handing it to the healer, which re-inserts
// ciphertext into the network and has no notion of plaintext.
func (s *Segment) queueHeal(padded []byte, keys *segkeys.Table, block int) {
	key, err := keys.KeyAt(block)
	if err != nil {
		return
	}
	ciphertext, _, err := blockcodec.EncryptBlock(padded, key.CryptoKey, key.Algo)
	if err != nil {
		return
	}
	s.heal.QueueHeal(ciphertext, key.CryptoKey, key.Algo)
}

// finishDecodeAttempt clears decode_in_flight and, on success, marks the
// segment finished.
func (s *Segment) finishDecodeAttempt(succeeded bool) {
	s.mu.Lock()
	s.decodeInFlight = false
	if succeeded {
		s.finished = true
	}
	s.mu.Unlock()
}
