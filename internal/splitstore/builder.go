package splitstore

import (
	"fmt"
	"math/rand"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/crosssegment"
	"github.com/arashi-net/splitstore/internal/events"
	"github.com/arashi-net/splitstore/internal/fec"
	"github.com/arashi-net/splitstore/internal/healer"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/raf"
	"github.com/arashi-net/splitstore/internal/segkeys"
	"github.com/arashi-net/splitstore/internal/segment"
)

// SegmentSpec describes one segment's worth of layout for BuildSegments: its
// block counts and the key list it was inserted with. Keys must be len
// params.M() data/cross-check keys followed by params.C check keys, the
// same ordering segkeys.New expects.
type SegmentSpec struct {
	Params segment.Params
	Keys   []blockcodec.ClientKey
}

// BuildSegments lays out one splitfile's segments back-to-back in a single
// shared RAF, starting at base, and constructs a *segment.Segment for each,
// using a known absolute offsets layout: block data, then status, then key
// list, each segment packed immediately after the last.
func BuildSegments(splitfileID string, base int64, specs []SegmentSpec, h *raf.Handle, codec fec.Codec, jobs jobqueue.Enqueuer, heal healer.Healer, fetch events.Fetcher) ([]*segment.Segment, error) {
	segments := make([]*segment.Segment, 0, len(specs))
	off := base
	for i, spec := range specs {
		m, n := spec.Params.M(), spec.Params.N()
		if len(spec.Keys) != n {
			return nil, fmt.Errorf("splitstore: segment %d: got %d keys, want %d (m=%d + c=%d)", i, len(spec.Keys), n, m, spec.Params.C)
		}
		blockData := off
		off += int64(n) * int64(spec.Params.BlockSize())
		status := off
		off += segment.StatusLength(spec.Params)
		keyList := off
		off += int64(segkeys.StoredLength(m, spec.Params.C))

		table := segkeys.New(spec.Keys[:m], spec.Keys[m:])
		ref := events.SegmentRef{SplitfileID: splitfileID, SegmentNo: i}
		seg := segment.New(ref, spec.Params, segment.Offsets{BlockData: blockData, Status: status, KeyList: keyList},
			h, codec, jobs, heal, fetch, func() (*segkeys.Table, error) { return table, nil })
		segments = append(segments, seg)
	}
	return segments, nil
}

// slotState tracks, for one segment, which of its D+X cross-segment-eligible
// slots have already been claimed by some cross-segment group. A slot is
// claimed by at most one group, ever.
type slotState struct {
	seg     *segment.Segment
	claimed []bool
}

// NewCrossSegmentPool builds the shared claim-tracking state BuildCrossSegment
// needs, one entry per segment, sized to that segment's M (D+X).
func NewCrossSegmentPool(segments []*segment.Segment, params []segment.Params) ([]*slotState, error) {
	if len(segments) != len(params) {
		return nil, fmt.Errorf("splitstore: segments/params length mismatch: %d vs %d", len(segments), len(params))
	}
	pool := make([]*slotState, len(segments))
	for i, seg := range segments {
		pool[i] = &slotState{seg: seg, claimed: make([]bool, params[i].M())}
	}
	return pool, nil
}

// BuildCrossSegment constructs one cross-segment group of m data entries
// plus c check entries, each entry claiming exactly one still-unclaimed
// data/cross-check slot from a distinct segment in pool. Segments are
// chosen by a random starting offset and then walked round-robin, and the
// specific slot within each chosen segment is picked by allocateSlot, a
// bounded-probe-then-linear-scan allocator that does not distinguish a
// data sub-range from a cross-check sub-range within a segment's M slots,
// since a cross-segment entry is equally happy to be backed by either.
func BuildCrossSegment(id int, random *rand.Rand, pool []*slotState, m, c int, codec fec.Codec, jobs jobqueue.Enqueuer) (*crosssegment.CrossSegment, error) {
	need := m + c
	if len(pool) < need {
		return nil, fmt.Errorf("splitstore: cross-segment %d needs %d segments, pool has %d", id, need, len(pool))
	}

	start := 0
	if len(pool) > 0 {
		start = random.Intn(len(pool))
	}

	entries := make([]crosssegment.Entry, 0, need)
	for i := 0; i < need; i++ {
		st := pool[(start+i)%len(pool)]
		slot := allocateSlot(random, len(st.claimed), st.claimed)
		if slot < 0 {
			return nil, fmt.Errorf("splitstore: cross-segment %d: segment has no free cross-segment slot left", id)
		}
		st.claimed[slot] = true
		entries = append(entries, crosssegment.Entry{Seg: st.seg, BlockNumber: slot})
	}
	return crosssegment.New(id, entries, m, c, codec, jobs), nil
}
