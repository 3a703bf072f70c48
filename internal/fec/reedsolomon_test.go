package fec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestReedSolomonDecodeReconstructsMissingData(t *testing.T) {
	const blockSize = 64
	k, r := 3, 2
	rng := rand.New(rand.NewSource(1))

	data := make([][]byte, k)
	for i := range data {
		data[i] = make([]byte, blockSize)
		rng.Read(data[i])
	}
	check := make([][]byte, r)
	for i := range check {
		check[i] = make([]byte, blockSize)
	}
	checkPresent := make([]bool, r)

	codec := NewReedSolomon()
	if err := codec.Encode(data, check, checkPresent, blockSize); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := range checkPresent {
		checkPresent[i] = true
	}

	original := make([][]byte, k)
	for i := range data {
		original[i] = append([]byte(nil), data[i]...)
	}

	// Drop one data block, keep all check blocks.
	dataPresent := []bool{true, false, true}
	data[1] = nil

	if err := codec.Decode(data, check, dataPresent, checkPresent, blockSize); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(data[1], original[1]) {
		t.Fatalf("reconstructed data[1] mismatch")
	}
}

func TestReedSolomonDecodeNoOpWhenComplete(t *testing.T) {
	const blockSize = 16
	data := [][]byte{make([]byte, blockSize)}
	check := [][]byte{}
	codec := NewReedSolomon()
	if err := codec.Decode(data, check, []bool{true}, []bool{}, blockSize); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}
