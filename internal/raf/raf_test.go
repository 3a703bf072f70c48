package raf

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestPwritePreadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splitfile.raf")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	lock := h.OpenLock()
	data := []byte("some block payload")
	if err := h.Pwrite(4096, data); err != nil {
		lock.Unlock()
		t.Fatalf("Pwrite: %v", err)
	}
	lock.Unlock()

	buf := make([]byte, len(data))
	lock = h.OpenLock()
	err = h.Pread(4096, buf)
	lock.Unlock()
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("round trip mismatch: got %q want %q", buf, data)
	}
}

func TestPreadShortFileIsDiskReadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.raf")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	buf := make([]byte, 32)
	err = h.Pread(0, buf)
	if !errors.Is(err, ErrDiskRead) {
		t.Fatalf("Pread on empty file: got %v, want ErrDiskRead", err)
	}
}
