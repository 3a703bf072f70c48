// Package fuseview exposes a read-only presentation layer: every succeeded
// splitfile registered with a Manager is presented as a file at
// "/<splitfile-id>" under a FUSE mount, materializing its content via
// Source.WriteOut when the name is looked up and serving reads from that
// in-memory copy. This is a thin wrapper over the existing
// write-out path and adds no new segment/cross-segment semantics.
package fuseview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// Source is the narrow view of a splitfile catalog fuseview depends on, so
// it never needs to know about splitstore.Manager's full surface or how
// the caller discovers Manager instances (Registry.List, an in-memory map,
// a cluster-wide catalog — all equally valid callers).
type Source interface {
	// SplitfileIDs returns every splitfile ID currently known, regardless
	// of completion state (unfinished ones are filtered at Lookup/Readdir
	// time so a reader never sees a file that errors on Read).
	SplitfileIDs() []string
	// Succeeded reports whether the named splitfile has finished
	// reconstruction and is safe to read in full.
	Succeeded(id string) bool
	// WriteOut streams a succeeded splitfile's reconstructed bytes in order.
	WriteOut(id string, w io.Writer) error
}

// Config controls the mount.
type Config struct {
	MountPoint string
}

// FS is the FUSE root: a flat directory of one file per succeeded
// splitfile, named by its ID.
type FS struct {
	fs.Inode
	src Source

	mu     sync.Mutex
	cached map[string][]byte // splitfile ID -> materialized content
}

// Mount starts serving src's completed splitfiles at cfg.MountPoint.
func Mount(cfg Config, src Source) (*gofuse.Server, error) {
	root := &FS{src: src, cached: make(map[string][]byte)}
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName: "splitstore",
			Name:   "splitstore",
		},
	}
	server, err := fs.Mount(cfg.MountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("fuseview: mount: %w", err)
	}
	return server, nil
}

// Readdir lists every succeeded splitfile as a regular file.
func (r *FS) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ids := r.src.SplitfileIDs()
	sort.Strings(ids)

	entries := make([]gofuse.DirEntry, 0, len(ids))
	for _, id := range ids {
		if !r.src.Succeeded(id) {
			continue
		}
		entries = append(entries, gofuse.DirEntry{Name: id, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup resolves a splitfile ID to a file node.
func (r *FS) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !r.src.Succeeded(name) {
		return nil, syscall.ENOENT
	}
	data, err := r.materialize(name)
	if err != nil {
		return nil, syscall.EIO
	}

	child := &splitfileNode{root: r, id: name}
	out.Mode = syscall.S_IFREG | 0444
	out.Size = uint64(len(data))
	return r.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (r *FS) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0555
	return 0
}

// materialize streams a splitfile's content via WriteOut exactly once,
// caching it since a succeeded splitfile's bytes never change once it
// reaches a terminal state.
func (r *FS) materialize(id string) ([]byte, error) {
	r.mu.Lock()
	if data, ok := r.cached[id]; ok {
		r.mu.Unlock()
		return data, nil
	}
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := r.src.WriteOut(id, &buf); err != nil {
		return nil, fmt.Errorf("fuseview: write_out %s: %w", id, err)
	}
	data := buf.Bytes()

	r.mu.Lock()
	r.cached[id] = data
	r.mu.Unlock()
	return data, nil
}

// splitfileNode is a single read-only file backed by the materialized
// content of one succeeded splitfile.
type splitfileNode struct {
	fs.Inode
	root *FS
	id   string
}

func (n *splitfileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	data, err := n.root.materialize(n.id)
	if err != nil {
		return syscall.EIO
	}
	out.Mode = syscall.S_IFREG | 0444
	out.Size = uint64(len(data))
	out.SetTimeout(time.Hour)
	return 0
}

func (n *splitfileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, gofuse.FOPEN_KEEP_CACHE, 0
}

func (n *splitfileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := n.root.materialize(n.id)
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(data)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return gofuse.ReadResultData(data[off:end]), 0
}

var (
	_ fs.NodeReaddirer = (*FS)(nil)
	_ fs.NodeLookuper  = (*FS)(nil)
	_ fs.NodeGetattrer = (*FS)(nil)
	_ fs.NodeGetattrer = (*splitfileNode)(nil)
	_ fs.NodeOpener    = (*splitfileNode)(nil)
	_ fs.NodeReader    = (*splitfileNode)(nil)
)
