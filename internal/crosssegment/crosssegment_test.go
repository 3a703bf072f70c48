package crosssegment

import (
	"crypto/rand"
	"os"
	"testing"

	"github.com/arashi-net/splitstore/internal/blockcodec"
	"github.com/arashi-net/splitstore/internal/events"
	"github.com/arashi-net/splitstore/internal/fec"
	"github.com/arashi-net/splitstore/internal/healer"
	"github.com/arashi-net/splitstore/internal/jobqueue"
	"github.com/arashi-net/splitstore/internal/raf"
	"github.com/arashi-net/splitstore/internal/segkeys"
	"github.com/arashi-net/splitstore/internal/segment"
)

// encodedBlock is one real, independently-decodable encrypted block, plus
// its padded plaintext form.
type encodedBlock struct {
	padded     []byte
	ciphertext []byte
	key        blockcodec.ClientKey
}

func encodeBlock(t *testing.T, payload string) encodedBlock {
	t.Helper()
	var cryptoKey [32]byte
	if _, err := rand.Read(cryptoKey[:]); err != nil {
		t.Fatal(err)
	}
	padded, err := blockcodec.Pack([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, key, err := blockcodec.EncryptBlock(padded, cryptoKey, blockcodec.AlgoAESCTR)
	if err != nil {
		t.Fatal(err)
	}
	return encodedBlock{padded: padded, ciphertext: ciphertext, key: key}
}

// xor returns the byte-wise XOR of a and b, both assumed blockcodec.L long.
func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// newSingleBlockSegment builds a one-block (M=1, C=0) segment, grounded on
// the helper shape in internal/segment's own tests.
func newSingleBlockSegment(t *testing.T, segNo int, key blockcodec.ClientKey) *segment.Segment {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "crosssegment-*.raf")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	h, err := raf.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	table := segkeys.New([]blockcodec.ClientKey{key}, nil)
	params := segment.Params{D: 1, X: 0, C: 0}
	off := segment.Offsets{BlockData: 0, Status: int64(params.M()) * int64(params.BlockSize())}
	return segment.New(events.SegmentRef{SplitfileID: "sf", SegmentNo: segNo}, params, off, h, fec.Fake{}, jobqueue.Inline{}, healer.Noop{}, events.NewChannel(4),
		func() (*segkeys.Table, error) { return table, nil })
}

// TestOnFetchedRelevantBlockWaitsForThreshold verifies that a cross-segment
// does not attempt decode until m of its m+c entries are present.
func TestOnFetchedRelevantBlockWaitsForThreshold(t *testing.T) {
	a := encodeBlock(t, "block-a")
	b := encodeBlock(t, "block-b")
	check := encodeBlock(t, "irrelevant-check-plaintext")

	segA := newSingleBlockSegment(t, 0, a.key)
	segB := newSingleBlockSegment(t, 1, b.key)
	segC := newSingleBlockSegment(t, 2, check.key)

	cs := New(1, []Entry{{Seg: segA, BlockNumber: 0}, {Seg: segB, BlockNumber: 0}, {Seg: segC, BlockNumber: 0}}, 2, 1, fec.Fake{}, jobqueue.Inline{})

	if !segA.OnGotKey(a.key, a.ciphertext) {
		t.Fatal("expected block A to be accepted")
	}
	if cs.Decoded() || cs.PresentCount() != 1 {
		t.Fatalf("expected present_count 1 and no decode yet, got present_count=%d decoded=%v", cs.PresentCount(), cs.Decoded())
	}
	if segB.Succeeded() {
		t.Fatal("segment B should not have succeeded without its own block")
	}
}

// TestCrossSegmentReconstructsAndRedistributesMissingBlock covers a
// cross-segment group whose check entry plus one data entry let it
// recover the other data entry via FEC, pushing the result back to the
// owning segment so it completes too.
func TestCrossSegmentReconstructsAndRedistributesMissingBlock(t *testing.T) {
	a := encodeBlock(t, "block-a")
	b := encodeBlock(t, "block-b")
	checkPadded := xor(a.padded, b.padded)
	var checkCryptoKey [32]byte
	if _, err := rand.Read(checkCryptoKey[:]); err != nil {
		t.Fatal(err)
	}
	_, checkKey, err := blockcodec.EncryptBlock(checkPadded, checkCryptoKey, blockcodec.AlgoAESCTR)
	if err != nil {
		t.Fatal(err)
	}

	segA := newSingleBlockSegment(t, 0, a.key)
	segB := newSingleBlockSegment(t, 1, b.key)
	segC := newSingleBlockSegment(t, 2, checkKey)

	cs := New(2, []Entry{{Seg: segA, BlockNumber: 0}, {Seg: segB, BlockNumber: 0}, {Seg: segC, BlockNumber: 0}}, 2, 1, fec.Fake{}, jobqueue.Inline{})

	if !segA.OnGotKey(a.key, a.ciphertext) {
		t.Fatal("expected block A to be accepted")
	}
	// The check block is injected via OnDecodedBlock rather than OnGotKey:
	// it is a systematic FEC combination a real peer would compute, not
	// something arriving over the wire as a CHK block, so there is no
	// ciphertext to verify here.
	if !segC.OnDecodedBlock(0, checkPadded) {
		t.Fatal("expected check block to be accepted into its owning segment")
	}

	if !cs.Decoded() {
		t.Fatal("expected cross-segment decode to have run once threshold m was reached")
	}
	if cs.Failed() {
		t.Fatal("did not expect cross-segment FEC reconstruction to fail")
	}
	if !segB.Succeeded() {
		t.Fatal("expected segment B to complete once its block was reconstructed and redistributed")
	}

	if !segB.Finished() {
		t.Fatal("expected segment B to finish its encode/heal pass")
	}
}

// TestSetCrossByBlockNotifiesImmediatelyWhenAlreadyPresent exercises the
// "already have it" branch: entries whose block arrived before the
// cross-segment was even constructed must still count toward the
// threshold, not be silently missed.
func TestSetCrossByBlockNotifiesImmediatelyWhenAlreadyPresent(t *testing.T) {
	a := encodeBlock(t, "block-a")
	b := encodeBlock(t, "block-b")
	checkPadded := xor(a.padded, b.padded)
	var checkCryptoKey [32]byte
	if _, err := rand.Read(checkCryptoKey[:]); err != nil {
		t.Fatal(err)
	}
	_, checkKey, err := blockcodec.EncryptBlock(checkPadded, checkCryptoKey, blockcodec.AlgoAESCTR)
	if err != nil {
		t.Fatal(err)
	}

	segA := newSingleBlockSegment(t, 0, a.key)
	segB := newSingleBlockSegment(t, 1, b.key)
	segC := newSingleBlockSegment(t, 2, checkKey)

	if !segA.OnGotKey(a.key, a.ciphertext) {
		t.Fatal("expected block A to be accepted before cross-segment construction")
	}
	if !segB.OnGotKey(b.key, b.ciphertext) {
		t.Fatal("expected block B to be accepted before cross-segment construction")
	}

	cs := New(3, []Entry{{Seg: segA, BlockNumber: 0}, {Seg: segB, BlockNumber: 0}, {Seg: segC, BlockNumber: 0}}, 2, 1, fec.Fake{}, jobqueue.Inline{})

	if !cs.Decoded() {
		t.Fatal("expected decode to run immediately: both data entries were already present at construction")
	}
	if cs.Failed() {
		t.Fatal("did not expect failure when both data entries are already present")
	}
	if cs.PresentCount() != 2 {
		t.Fatalf("expected present_count 2, got %d", cs.PresentCount())
	}
}

// TestCrossSegmentFailsWhenTooManyDataEntriesMissing exercises the FEC
// failure path: the test double can only reconstruct a single missing
// data entry, so two missing data entries must surface as a failure
// rather than silently producing garbage.
func TestCrossSegmentFailsWhenTooManyDataEntriesMissing(t *testing.T) {
	a := encodeBlock(t, "block-a")
	b := encodeBlock(t, "block-b")
	check0 := encodeBlock(t, "check-zero")
	check1 := encodeBlock(t, "check-one")

	segA := newSingleBlockSegment(t, 0, a.key)
	segB := newSingleBlockSegment(t, 1, b.key)
	segC0 := newSingleBlockSegment(t, 2, check0.key)
	segC1 := newSingleBlockSegment(t, 3, check1.key)

	cs := New(4, []Entry{
		{Seg: segA, BlockNumber: 0},
		{Seg: segB, BlockNumber: 0},
		{Seg: segC0, BlockNumber: 0},
		{Seg: segC1, BlockNumber: 0},
	}, 2, 2, fec.Fake{}, jobqueue.Inline{})

	if !segC0.OnGotKey(check0.key, check0.ciphertext) {
		t.Fatal("expected check block 0 to be accepted")
	}
	if cs.Decoded() || cs.Failed() {
		t.Fatal("should not have reached the decode threshold yet")
	}
	if !segC1.OnGotKey(check1.key, check1.ciphertext) {
		t.Fatal("expected check block 1 to be accepted")
	}

	if !cs.Failed() {
		t.Fatal("expected FEC decode to fail with two missing data entries")
	}
	if cs.Decoded() {
		t.Fatal("a failed reconstruction should not also be marked decoded")
	}
	if segA.Succeeded() || segB.Succeeded() {
		t.Fatal("neither data segment should have been completed by a failed reconstruction")
	}
}
