package segment

import (
	"bytes"
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
)

// testBlock is one plaintext payload plus its padded form and its encoded
// ciphertext + key.
type testBlock struct {
	plaintext  []byte
	padded     []byte
	ciphertext []byte
	key        blockcodec.ClientKey
}

func makeBlock(t *testing.T, payload string) testBlock {
	t.Helper()
	var cryptoKey [32]byte
	if _, err := rand.Read(cryptoKey[:]); err != nil {
		t.Fatal(err)
	}
	plaintext := []byte(payload)
	padded, err := blockcodec.Pack(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, key, err := blockcodec.EncryptBlock(padded, cryptoKey, blockcodec.AlgoAESCTR)
	if err != nil {
		t.Fatal(err)
	}
	return testBlock{plaintext: plaintext, padded: padded, ciphertext: ciphertext, key: key}
}

func newTestSegment(t *testing.T, ref events.SegmentRef, params Params, blocks []testBlock, codec fec.Codec) (*Segment, *raf.Handle) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "segment-*.raf")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	h, err := raf.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	data := make([]blockcodec.ClientKey, params.M())
	check := make([]blockcodec.ClientKey, params.C)
	for i, b := range blocks {
		if i < params.M() {
			data[i] = b.key
		} else {
			check[i-params.M()] = b.key
		}
	}
	table := segkeys.New(data, check)

	off := Offsets{BlockData: 0, Status: int64(params.M()) * int64(params.BlockSize()), KeyList: 0}
	seg := New(ref, params, off, h, codec, jobqueue.Inline{}, healer.Noop{}, events.NewChannel(4),
		func() (*segkeys.Table, error) { return table, nil })
	return seg, h
}

func TestOnGotKeySingleBlockDecodesImmediately(t *testing.T) {
	b := makeBlock(t, "hello world")
	params := Params{D: 1, X: 0, C: 0}
	seg, _ := newTestSegment(t, events.SegmentRef{SplitfileID: "sf", SegmentNo: 0}, params, []testBlock{b}, fec.Fake{})

	if !seg.OnGotKey(b.key, b.ciphertext) {
		t.Fatal("expected first valid block to be accepted")
	}
	if !seg.Succeeded() {
		t.Fatal("expected M=1 segment to succeed immediately")
	}
	if !seg.Finished() {
		t.Fatal("expected segment to finish after encode/heal pass")
	}

	var out bytes.Buffer
	if err := seg.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello world" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestOnGotKeyRejectsUnknownKey(t *testing.T) {
	b := makeBlock(t, "known")
	other := makeBlock(t, "unknown")
	params := Params{D: 1, X: 0, C: 0}
	seg, _ := newTestSegment(t, events.SegmentRef{SegmentNo: 0}, params, []testBlock{b}, fec.Fake{})

	if seg.OnGotKey(other.key, other.ciphertext) {
		t.Fatal("expected unrelated key to be rejected")
	}
	if seg.PresentCount() != 0 {
		t.Fatalf("expected no state mutation, present_count=%d", seg.PresentCount())
	}
}

func TestOnGotKeyDuplicateDeliveryAcceptedOnce(t *testing.T) {
	b0 := makeBlock(t, "aaaaaaaaaaaaaaaa")
	b1 := makeBlock(t, "bbbbbbbbbbbbbbbb")
	params := Params{D: 2, X: 0, C: 0}
	seg, _ := newTestSegment(t, events.SegmentRef{SegmentNo: 0}, params, []testBlock{b0, b1}, fec.Fake{})

	if !seg.OnGotKey(b0.key, b0.ciphertext) {
		t.Fatal("first delivery should be accepted")
	}
	if seg.OnGotKey(b0.key, b0.ciphertext) {
		t.Fatal("duplicate delivery should be rejected")
	}
	if seg.PresentCount() != 1 {
		t.Fatalf("expected present_count=1, got %d", seg.PresentCount())
	}
}

func TestTryStartDecodeFalseBelowThreshold(t *testing.T) {
	b0 := makeBlock(t, "aaaaaaaaaaaaaaaa")
	b1 := makeBlock(t, "bbbbbbbbbbbbbbbb")
	params := Params{D: 2, X: 0, C: 0}
	seg, _ := newTestSegment(t, events.SegmentRef{SegmentNo: 0}, params, []testBlock{b0, b1}, fec.Fake{})

	seg.OnGotKey(b0.key, b0.ciphertext)
	if seg.Succeeded() {
		t.Fatal("segment should not succeed with present_count below M")
	}
	if seg.TryStartDecode() {
		t.Fatal("TryStartDecode should return false below threshold")
	}
}

func TestOnNonFatalFailureTracksRetries(t *testing.T) {
	b0 := makeBlock(t, "aaaaaaaaaaaaaaaa")
	b1 := makeBlock(t, "bbbbbbbbbbbbbbbb")
	params := Params{D: 2, X: 0, C: 0, TrackRetries: true}
	seg, _ := newTestSegment(t, events.SegmentRef{SegmentNo: 0}, params, []testBlock{b0, b1}, fec.Fake{})

	for i := 0; i < 8; i++ {
		seg.OnNonFatalFailure(1)
	}

	seg.mu.Lock()
	retries := seg.retries[1]
	tried := seg.tried[1]
	seg.mu.Unlock()

	if retries != 8 {
		t.Fatalf("expected retries[1]=8, got %d", retries)
	}
	if !tried {
		t.Fatal("expected tried[1]=true")
	}
}

// TestDecodeReconstructsMissingDataBlockViaFEC commits a data block and a
// check block directly (bypassing OnGotKey's per-block decode validity
// check, which is exercised elsewhere) to isolate the reconciliation /
// verification / FEC / commit pipeline in the decode task. The check block
// is built the way a real splitfile encoder would: XOR the two padded
// plaintext blocks, then independently CHK-encrypt the result under its
// own fresh key, since every block carries its own never-reused key.
func TestDecodeReconstructsMissingDataBlockViaFEC(t *testing.T) {
	b0 := makeBlock(t, "first block payload!")
	b1 := makeBlock(t, "second block payload")

	checkPadded := make([]byte, blockcodec.L)
	for i := range checkPadded {
		checkPadded[i] = b0.padded[i] ^ b1.padded[i]
	}
	var checkCryptoKey [32]byte
	if _, err := rand.Read(checkCryptoKey[:]); err != nil {
		t.Fatal(err)
	}
	_, checkKey, err := blockcodec.EncryptBlock(checkPadded, checkCryptoKey, blockcodec.AlgoAESCTR)
	if err != nil {
		t.Fatal(err)
	}

	params := Params{D: 2, X: 0, C: 1}
	table := segkeys.New([]blockcodec.ClientKey{b0.key, b1.key}, []blockcodec.ClientKey{checkKey})

	f, err := os.CreateTemp(t.TempDir(), "segment-*.raf")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	h, err := raf.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	off := Offsets{BlockData: 0, Status: int64(params.M()) * int64(params.BlockSize())}
	seg := New(events.SegmentRef{SegmentNo: 0}, params, off, h, fec.Fake{}, jobqueue.Inline{}, healer.Noop{}, events.NewChannel(4),
		func() (*segkeys.Table, error) { return table, nil })

	if !seg.commitBlock(0, b0.padded) {
		t.Fatal("expected data block 0 to commit")
	}
	if seg.Succeeded() {
		t.Fatal("should not succeed with only 1 of 2 decode-threshold blocks")
	}
	if !seg.commitBlock(2, checkPadded) {
		t.Fatal("expected check block to commit")
	}
	if !seg.Succeeded() {
		t.Fatal("expected decode threshold reached to trigger successful FEC reconstruction")
	}

	var out bytes.Buffer
	if err := seg.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	want := string(b0.plaintext) + string(b1.plaintext)
	if out.String() != want {
		t.Fatalf("unexpected output: %q, want %q", out.String(), want)
	}
}

// noRunEnqueuer accepts decode jobs without ever running them, so a test
// can corrupt segment state between "decode threshold reached" and the
// decode task actually executing.
type noRunEnqueuer struct{}

func (noRunEnqueuer) QueueJob(estimate int64, priority jobqueue.Priority, run func(*jobqueue.Chunk)) {}

var _ jobqueue.Enqueuer = noRunEnqueuer{}

// TestVerificationReassignsMisdeclaredSlot simulates a slot whose declared
// block number was corrupted (e.g. a torn status write) but whose bytes
// still correctly verify against a different key; the decode task should
// silently reassign it rather than discarding a perfectly good block.
func TestVerificationReassignsMisdeclaredSlot(t *testing.T) {
	b0 := makeBlock(t, "aaaaaaaaaaaaaaaa")
	b1 := makeBlock(t, "bbbbbbbbbbbbbbbb")
	bcheck := makeBlock(t, "irrelevant check content")

	params := Params{D: 2, X: 0, C: 1}
	table := segkeys.New([]blockcodec.ClientKey{b0.key, b1.key}, []blockcodec.ClientKey{bcheck.key})

	f, err := os.CreateTemp(t.TempDir(), "segment-*.raf")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	h, err := raf.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	off := Offsets{BlockData: 0, Status: int64(params.M()) * int64(params.BlockSize())}
	seg := New(events.SegmentRef{SegmentNo: 0}, params, off, h, fec.Fake{}, noRunEnqueuer{}, healer.Noop{}, events.NewChannel(4),
		func() (*segkeys.Table, error) { return table, nil })

	if !seg.commitBlock(1, b1.padded) {
		t.Fatal("expected block 1 to commit")
	}
	if !seg.commitBlock(0, b0.padded) {
		t.Fatal("expected block 0 to commit")
	}
	if seg.Succeeded() {
		t.Fatal("decode should not have run yet (noRunEnqueuer drops the job)")
	}

	// Corrupt the slot holding block 0's bytes to falsely declare the
	// check block's number instead.
	seg.mu.Lock()
	for i, b := range seg.slotBlock {
		if int(b) == 0 {
			seg.slotBlock[i] = int16(params.M())
		}
	}
	seg.mu.Unlock()

	seg.runDecodeTask()

	if !seg.Succeeded() {
		t.Fatal("expected verification pass to reassign the slot and still reach M valid blocks")
	}

	var out bytes.Buffer
	if err := seg.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	want := string(b0.plaintext) + string(b1.plaintext)
	if out.String() != want {
		t.Fatalf("unexpected output: %q, want %q", out.String(), want)
	}
}

func TestStatusRoundTripAcrossFreshSegment(t *testing.T) {
	b0 := makeBlock(t, "aaaaaaaaaaaaaaaa")
	b1 := makeBlock(t, "bbbbbbbbbbbbbbbb")
	b2 := makeBlock(t, "cccccccccccccccc")
	params := Params{D: 3, X: 0, C: 0}
	seg, h := newTestSegment(t, events.SegmentRef{SegmentNo: 0}, params, []testBlock{b0, b1, b2}, fec.Fake{})

	seg.OnGotKey(b0.key, b0.ciphertext)
	seg.OnGotKey(b1.key, b1.ciphertext)

	table := segkeys.New([]blockcodec.ClientKey{b0.key, b1.key, b2.key}, nil)
	fresh := New(events.SegmentRef{SegmentNo: 0}, params, Offsets{Status: int64(params.M()) * int64(params.BlockSize())}, h, fec.Fake{}, jobqueue.Inline{}, healer.Noop{}, events.NewChannel(4),
		func() (*segkeys.Table, error) { return table, nil })
	if err := fresh.LoadStatus(); err != nil {
		t.Fatal(err)
	}
	if fresh.PresentCount() != 2 {
		t.Fatalf("expected present_count=2 after reload, got %d", fresh.PresentCount())
	}
}
