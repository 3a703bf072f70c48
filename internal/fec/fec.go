// Package fec provides the systematic forward-error-correction collaborator
// consumed by segment and cross-segment decode: fill missing data blocks
// from present data+check blocks, and fill missing check blocks from
// complete data.
package fec

// Codec is the collaborator contract the core depends on. It never touches
// disk or segment state; it operates purely on in-memory block buffers.
type Codec interface {
	// Decode fills every data[i] where dataPresent[i] is false, using the
	// present data and check blocks. It must succeed whenever the total
	// number of present data+check blocks is at least len(data).
	Decode(data, check [][]byte, dataPresent, checkPresent []bool, blockSize int) error

	// Encode fills every check[i] where checkPresent[i] is false, from a
	// complete set of data blocks.
	Encode(data, check [][]byte, checkPresent []bool, blockSize int) error

	// MaxMemoryOverheadDecode and MaxMemoryOverheadEncode return a byte
	// estimate of the peak extra memory a Decode/Encode call over k data
	// blocks and r check blocks will use, for the memory-limited job runner.
	MaxMemoryOverheadDecode(k, r int) int64
	MaxMemoryOverheadEncode(k, r int) int64
}

// ErrFEC wraps any failure from the underlying Reed-Solomon math; callers
// treat it uniformly alongside disk/data corruption.
type ErrFEC struct {
	Op  string
	Err error
}

func (e *ErrFEC) Error() string { return "fec: " + e.Op + ": " + e.Err.Error() }
func (e *ErrFEC) Unwrap() error { return e.Err }
