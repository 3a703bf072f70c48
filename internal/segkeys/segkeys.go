// Package segkeys implements the segment key table (component B): an
// immutable list of expected content keys for a segment's data and check
// blocks, with fast reverse lookup from key to block number.
package segkeys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/arashi-net/splitstore/internal/blockcodec"
)

// ErrKeysCorrupt is returned when the trailing CRC of a serialized key
// table does not match its contents.
var ErrKeysCorrupt = errors.New("segkeys: keys corrupt")

// Table is the immutable list of expected client keys for every block of a
// segment, indexed by block number: data+cross-check blocks first ([0,M)),
// then FEC check blocks ([M,N)).
type Table struct {
	m, c int
	keys []blockcodec.ClientKey
	// index is built once at construction for O(1) reverse lookup.
	index map[blockcodec.ContentKey]int
}

// New builds a key table from explicit key slices. len(data) must equal m,
// len(check) must equal c.
func New(data, check []blockcodec.ClientKey) *Table {
	keys := make([]blockcodec.ClientKey, 0, len(data)+len(check))
	keys = append(keys, data...)
	keys = append(keys, check...)
	t := &Table{
		m:    len(data),
		c:    len(check),
		keys: keys,
	}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[blockcodec.ContentKey]int, len(t.keys))
	for i, k := range t.keys {
		t.index[k.Content] = i
	}
}

// M returns the number of data (incl. cross-check) blocks.
func (t *Table) M() int { return t.m }

// C returns the number of FEC check blocks.
func (t *Table) C() int { return t.c }

// N returns the total number of blocks the table covers.
func (t *Table) N() int { return t.m + t.c }

// KeyAt returns the expected client key for a block index.
func (t *Table) KeyAt(index int) (blockcodec.ClientKey, error) {
	if index < 0 || index >= len(t.keys) {
		return blockcodec.ClientKey{}, fmt.Errorf("segkeys: block index %d out of range [0,%d)", index, len(t.keys))
	}
	return t.keys[index], nil
}

// BlockNumberOf returns the unique block index whose content key is
// content, skipping any index whose bit is set in ignoreMask (nil means no
// index is ignored). Returns -1 if no (non-ignored) block matches.
func (t *Table) BlockNumberOf(content blockcodec.ContentKey, ignoreMask []bool) int {
	idx, ok := t.index[content]
	if !ok {
		return -1
	}
	if ignoreMask != nil && idx < len(ignoreMask) && ignoreMask[idx] {
		return -1
	}
	return idx
}

// --- Serialization: key list region + trailing CRC-32 ---

// Marshal serializes the key table followed by a big-endian CRC-32 over the
// key bytes, matching the on-disk key list region format.
func (t *Table) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(t.m)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(t.c)); err != nil {
		return nil, err
	}
	for _, k := range t.keys {
		if _, err := buf.Write(k.Content[:]); err != nil {
			return nil, err
		}
		if _, err := buf.Write(k.CryptoKey[:]); err != nil {
			return nil, err
		}
		if err := buf.WriteByte(byte(k.Algo)); err != nil {
			return nil, err
		}
	}
	keyBytes := buf.Bytes()
	crc := crc32.ChecksumIEEE(keyBytes)
	out := make([]byte, len(keyBytes)+4)
	copy(out, keyBytes)
	binary.BigEndian.PutUint32(out[len(keyBytes):], crc)
	return out, nil
}

// StoredLength returns the length, in bytes, of the serialized key list
// region for m data keys and c check keys, including the trailing CRC.
func StoredLength(m, c int) int {
	return 8 + (m+c)*(32+32+1) + 4
}

// Unmarshal parses a key list region (as written by Marshal), verifying the
// trailing CRC. Returns ErrKeysCorrupt on mismatch.
func Unmarshal(data []byte) (*Table, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: too short", ErrKeysCorrupt)
	}
	keyBytes := data[:len(data)-4]
	storedCRC := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(keyBytes) != storedCRC {
		return nil, ErrKeysCorrupt
	}

	r := bytes.NewReader(keyBytes)
	var m, c uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysCorrupt, err)
	}
	if err := binary.Read(r, binary.BigEndian, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysCorrupt, err)
	}
	total := int(m) + int(c)
	keys := make([]blockcodec.ClientKey, total)
	for i := 0; i < total; i++ {
		var k blockcodec.ClientKey
		if _, err := io.ReadFull(r, k.Content[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysCorrupt, err)
		}
		if _, err := io.ReadFull(r, k.CryptoKey[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysCorrupt, err)
		}
		algo, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysCorrupt, err)
		}
		k.Algo = blockcodec.Algo(algo)
		keys[i] = k
	}

	t := &Table{m: int(m), c: int(c), keys: keys}
	t.buildIndex()
	return t, nil
}
