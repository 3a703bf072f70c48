package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ReedSolomon is the production Codec: a thin wrapper over
// klauspost/reedsolomon, driven by presence masks instead of nil-slice
// conventions.
type ReedSolomon struct{}

// NewReedSolomon returns the default, stateless Reed-Solomon codec.
func NewReedSolomon() *ReedSolomon { return &ReedSolomon{} }

func (ReedSolomon) Decode(data, check [][]byte, dataPresent, checkPresent []bool, blockSize int) error {
	k, r := len(data), len(check)
	if k == 0 {
		return nil
	}
	if r == 0 {
		// No redundancy: decode can only "succeed" if there was nothing
		// missing in the first place.
		for i := 0; i < k; i++ {
			if !dataPresent[i] {
				return fmt.Errorf("fec: no check blocks available to reconstruct data block %d", i)
			}
		}
		return nil
	}

	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return &ErrFEC{Op: "new", Err: err}
	}

	shards := make([][]byte, k+r)
	for i := 0; i < k; i++ {
		shards[i] = presentOrNil(data[i], dataPresent[i], blockSize)
	}
	for i := 0; i < r; i++ {
		shards[k+i] = presentOrNil(check[i], checkPresent[i], blockSize)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return &ErrFEC{Op: "reconstruct", Err: err}
	}
	for i := 0; i < k; i++ {
		if !dataPresent[i] {
			data[i] = shards[i]
		}
	}
	return nil
}

func (ReedSolomon) Encode(data, check [][]byte, checkPresent []bool, blockSize int) error {
	k, r := len(data), len(check)
	if r == 0 {
		return nil
	}
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return &ErrFEC{Op: "new", Err: err}
	}

	shards := make([][]byte, k+r)
	for i := 0; i < k; i++ {
		if data[i] == nil {
			return fmt.Errorf("fec: encode requires all data blocks present, missing %d", i)
		}
		shards[i] = data[i]
	}
	for i := 0; i < r; i++ {
		shards[k+i] = make([]byte, blockSize)
	}

	if err := enc.Encode(shards); err != nil {
		return &ErrFEC{Op: "encode", Err: err}
	}
	for i := 0; i < r; i++ {
		if !checkPresent[i] {
			check[i] = shards[k+i]
		}
	}
	return nil
}

func (ReedSolomon) MaxMemoryOverheadDecode(k, r int) int64 {
	return int64(max1(k)+max1(r)) * int64(32768)
}

func (ReedSolomon) MaxMemoryOverheadEncode(k, r int) int64 {
	return int64(max1(k)+max1(r)) * int64(32768)
}

func presentOrNil(buf []byte, present bool, blockSize int) []byte {
	if present && buf != nil {
		out := make([]byte, blockSize)
		copy(out, buf)
		return out
	}
	return nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

var _ Codec = ReedSolomon{}
