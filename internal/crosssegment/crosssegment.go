// Package crosssegment implements component E: a secondary FEC group
// protecting selected data/cross-check blocks drawn from several segments.
// It mirrors segment's state machine at a smaller scale and, once enough
// referenced blocks have arrived, decodes and redistributes any newly
// recovered block back to its owning segment.
package crosssegment

import (
	"log/slog"
	"sync"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/fec"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/segment"
)

// Entry is an unresolved reference to a block owned by some segment:
// (segment, block index within that segment).
type Entry struct {
	Seg         *segment.Segment
	BlockNumber int
}

// CrossSegment holds m data entries and c check entries, decoding when m
// of its m+c entries are present and redistributing the result.
type CrossSegment struct {
	id      int
	entries []Entry // len m+c; [0,m) data, [m,m+c) check
	m, c    int

	codec fec.Codec
	jobs  jobqueue.Enqueuer

	mu             sync.Mutex
	present        []bool
	presentCount   int
	decoded        bool
	decodeInFlight bool
	failed         bool
}

// New constructs a cross-segment over entries (len == m+c) and registers a
// notifiee with every referenced segment so it learns about arrivals.
func New(id int, entries []Entry, m, c int, codec fec.Codec, jobs jobqueue.Enqueuer) *CrossSegment {
	cs := &CrossSegment{
		id:      id,
		entries: entries,
		m:       m,
		c:       c,
		codec:   codec,
		jobs:    jobs,
		present: make([]bool, len(entries)),
	}
	for i, e := range entries {
		e.Seg.SetCrossByBlock(e.BlockNumber, &notifiee{cs: cs, index: i})
	}
	return cs
}

// notifiee is what gets handed to Segment.SetCrossByBlock; it remembers
// which entry of cs it corresponds to.
type notifiee struct {
	cs    *CrossSegment
	index int
}

func (n *notifiee) OnFetchedRelevantBlock() {
	n.cs.onFetchedRelevantBlock(n.index)
}

// onFetchedRelevantBlock is the hook fired when a referenced segment just
// committed the block at this entry's index. Increments the received
// count and, once it reaches m, runs the decode pass.
func (cs *CrossSegment) onFetchedRelevantBlock(index int) {
	cs.mu.Lock()
	if cs.failed || cs.decoded || cs.present[index] {
		cs.mu.Unlock()
		return
	}
	cs.present[index] = true
	cs.presentCount++
	ready := !cs.decodeInFlight && cs.presentCount >= cs.m
	if ready {
		cs.decodeInFlight = true
	}
	cs.mu.Unlock()

	if ready {
		cs.jobs.QueueJob(cs.memoryEstimate(), jobqueue.Low, func(chunk *jobqueue.Chunk) {
			defer chunk.Release()
			cs.runDecode()
		})
	}
}

func (cs *CrossSegment) memoryEstimate() int64 {
	overhead := cs.codec.MaxMemoryOverheadDecode(cs.m, cs.c)
	return int64(len(cs.entries))*int64(blockSize) + overhead
}

// blockSize is the fixed size of a padded plaintext block (blockcodec.L);
// entries are assumed uniform since they are drawn from segments sharing
// one splitfile's block size.
const blockSize = blockcodec.L

func (cs *CrossSegment) runDecode() {
	cs.mu.Lock()
	if cs.failed || cs.decoded {
		cs.decodeInFlight = false
		cs.mu.Unlock()
		return
	}
	presentSnapshot := append([]bool(nil), cs.present...)
	cs.mu.Unlock()

	data := make([][]byte, cs.m)
	check := make([][]byte, cs.c)
	dataPresent := make([]bool, cs.m)
	checkPresent := make([]bool, cs.c)
	for i := range data {
		data[i] = make([]byte, blockSize)
	}
	for i := range check {
		check[i] = make([]byte, blockSize)
	}

	for i, e := range cs.entries {
		if !presentSnapshot[i] {
			continue
		}
		buf, err := e.Seg.ReadBlock(e.BlockNumber)
		if err != nil {
			// The block moved (e.g. the segment itself finished decoding
			// and reassigned slots) between notification and this read;
			// treat as not-yet-available for this round.
			continue
		}
		if i < cs.m {
			data[i] = buf
			dataPresent[i] = true
		} else {
			idx := i - cs.m
			check[idx] = buf
			checkPresent[idx] = true
		}
	}

	if !allTrue(dataPresent) {
		if err := cs.codec.Decode(data, check, dataPresent, checkPresent, blockSize); err != nil {
			slog.Error("crosssegment: fec decode failed, marking failed", "cross_segment", cs.id, "error", err)
			cs.mu.Lock()
			cs.failed = true
			cs.decodeInFlight = false
			cs.mu.Unlock()
			return
		}
	}

	for i := 0; i < cs.m; i++ {
		if dataPresent[i] {
			continue
		}
		e := cs.entries[i]
		if !e.Seg.OnDecodedBlock(e.BlockNumber, data[i]) {
			slog.Warn("crosssegment: redistribution rejected by owning segment", "cross_segment", cs.id, "entry", i)
		}
	}

	cs.mu.Lock()
	cs.decoded = true
	cs.decodeInFlight = false
	cs.mu.Unlock()
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}

// Decoded reports whether this cross-segment has completed its decode
// pass.
func (cs *CrossSegment) Decoded() bool { cs.mu.Lock(); defer cs.mu.Unlock(); return cs.decoded }

// Failed reports whether FEC reconstruction failed.
func (cs *CrossSegment) Failed() bool { cs.mu.Lock(); defer cs.mu.Unlock(); return cs.failed }

// PresentCount exposes the received-block count for tests and diagnostics.
func (cs *CrossSegment) PresentCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.presentCount
}
