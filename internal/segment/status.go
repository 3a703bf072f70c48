package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FixedMetadata is the small descriptor written once at segment creation:
// version plus the block counts and region lengths needed to reconstruct a
// segment's Params and Offsets on restart.
type FixedMetadata struct {
	Version            uint16
	D, X, C            uint32
	StatusPaddedLength uint32
	KeyListLength      uint32
}

const fixedMetadataVersion = 1

// WriteFixedMetadata serializes the descriptor in a fixed field order:
// version, D, X, C, padded status length, key list length.
func WriteFixedMetadata(p Params, keyListLength int64) ([]byte, error) {
	var buf bytes.Buffer
	fields := []any{
		uint16(fixedMetadataVersion),
		uint32(p.D),
		uint32(p.X),
		uint32(p.C),
		uint32(StatusLength(p)), // padded length always equals unpadded length here
		uint32(keyListLength),
	}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("segment: write fixed metadata: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// ReadFixedMetadata parses a descriptor written by WriteFixedMetadata.
func ReadFixedMetadata(data []byte) (FixedMetadata, error) {
	var fm FixedMetadata
	r := bytes.NewReader(data)
	for _, f := range []any{&fm.Version, &fm.D, &fm.X, &fm.C, &fm.StatusPaddedLength, &fm.KeyListLength} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return FixedMetadata{}, fmt.Errorf("segment: read fixed metadata: %w", err)
		}
	}
	return fm, nil
}

// marshalStatus serializes slotBlock/retries/tried into the status region
// layout: M signed int16 slots, optional N int32 retry counters, N tried
// bytes.
func marshalStatus(p Params, slotBlock []int16, retries []int32, tried []bool) []byte {
	buf := make([]byte, StatusLength(p))
	off := 0
	for _, s := range slotBlock {
		binary.BigEndian.PutUint16(buf[off:], uint16(s))
		off += 2
	}
	if p.TrackRetries {
		for _, r := range retries {
			binary.BigEndian.PutUint32(buf[off:], uint32(r))
			off += 4
		}
	}
	for i, t := range tried {
		if t {
			buf[off+i] = 1
		}
	}
	return buf
}

// unmarshalStatus parses a status region written by marshalStatus.
func unmarshalStatus(p Params, data []byte) (slotBlock []int16, retries []int32, tried []bool, err error) {
	want := StatusLength(p)
	if int64(len(data)) != want {
		return nil, nil, nil, fmt.Errorf("segment: status region length %d, want %d", len(data), want)
	}
	off := 0
	slotBlock = make([]int16, p.M())
	for i := range slotBlock {
		slotBlock[i] = int16(binary.BigEndian.Uint16(data[off:]))
		off += 2
	}
	if p.TrackRetries {
		retries = make([]int32, p.N())
		for i := range retries {
			retries[i] = int32(binary.BigEndian.Uint32(data[off:]))
			off += 4
		}
	}
	tried = make([]bool, p.N())
	for i := range tried {
		tried[i] = data[off+i] != 0
	}
	return slotBlock, retries, tried, nil
}
