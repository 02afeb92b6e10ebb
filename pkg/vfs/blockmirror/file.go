package blockmirror

import (
	"fmt"

	"github.com/embedql/vfskit/pkg/vfs"
)

// image is a file's in-memory content. Implementations are not safe for
// concurrent use; the mirror lock serializes access.
type image interface {
	// read copies stored bytes at off into p, zero-filling the gaps, and
	// returns how many stored bytes were present.
	read(p []byte, off int64) int
	write(p []byte, off int64)
	truncate(size int64)
	size() int64
}

// blockImage holds a main database file as fixed-size blocks plus the set
// of blocks dirtied since the last snapshot. The block size is pinned the
// first time content is materialized and never changes afterwards.
type blockImage struct {
	length    int64
	blockSize int64
	blocks    map[int64][]byte
	dirty     map[int64]struct{}

	// truncated forces the next snapshot even with no dirty blocks, so the
	// store learns the new length and drops trailing blocks.
	truncated bool

	// committed is set once a snapshot has been taken; after that the
	// block size is part of the persisted format.
	committed bool
}

func newBlockImage(fi *FileImage) *blockImage {
	return &blockImage{
		length:    fi.Size,
		blockSize: fi.BlockSize,
		blocks:    fi.Blocks,
		dirty:     make(map[int64]struct{}),
		committed: true,
	}
}

func (b *blockImage) size() int64 { return b.length }

func (b *blockImage) setBlockSize(size int64) error {
	if b.blockSize == size {
		return nil
	}
	if b.committed || len(b.blocks) > 0 {
		return fmt.Errorf("block size is fixed at %d: %w", b.blockSize, vfs.ErrInvalidState)
	}
	b.blockSize = size
	return nil
}

// read walks the blocks covering [off, off+len(p)), stopping at the first
// gap. Bytes past the last stored block come back as zeros.
func (b *blockImage) read(p []byte, off int64) int {
	clear(p)
	if b.blockSize == 0 || off >= b.length {
		return 0
	}

	want := min(int64(len(p)), b.length-off)
	var n int64
	for n < want {
		pos := off + n
		start := pos - pos%b.blockSize
		block, ok := b.blocks[start]
		if !ok {
			break
		}
		copied := copy(p[n:want], block[pos-start:])
		n += int64(copied)
	}
	return int(n)
}

// write lands p across the blocks it overlaps, materializing zeroed blocks
// on first touch and marking every touched block dirty. The first write to
// a fresh image pins the block size: an aligned write of a valid size (the
// engine's page write) sets it exactly, anything else falls back to the
// default.
func (b *blockImage) write(p []byte, off int64) {
	if len(p) == 0 {
		return
	}
	if b.blockSize == 0 {
		if off == 0 && validBlockSize(int64(len(p))) {
			b.blockSize = int64(len(p))
		} else {
			b.blockSize = DefaultBlockSize
		}
	}

	var n int64
	for n < int64(len(p)) {
		pos := off + n
		start := pos - pos%b.blockSize
		block, ok := b.blocks[start]
		if !ok {
			block = make([]byte, b.blockSize)
			b.blocks[start] = block
		}
		n += int64(copy(block[pos-start:], p[n:]))
		b.dirty[start] = struct{}{}
	}

	if end := off + int64(len(p)); end > b.length {
		b.length = end
	}
}

func (b *blockImage) truncate(size int64) {
	if size == b.length {
		return
	}
	b.length = size
	b.truncated = true

	if b.blockSize == 0 {
		return
	}
	for start := range b.blocks {
		if start >= size {
			delete(b.blocks, start)
			delete(b.dirty, start)
		}
	}
}

// snapshot captures the dirty state for the flusher and marks the image
// clean. The returned snapshot owns copies of the block payloads, so writes
// after sync() never leak into an in-flight commit. Returns nil when there
// is nothing to persist.
func (b *blockImage) snapshot() *Snapshot {
	if len(b.dirty) == 0 && !b.truncated {
		return nil
	}

	snap := &Snapshot{
		Size:      b.length,
		BlockSize: b.blockSize,
		Blocks:    make(map[int64][]byte, len(b.dirty)),
	}
	for start := range b.dirty {
		block := make([]byte, b.blockSize)
		copy(block, b.blocks[start])
		snap.Blocks[start] = block
	}

	b.dirty = make(map[int64]struct{})
	b.truncated = false
	b.committed = true
	return snap
}

// linearImage is a plain growable buffer for journals, WAL files, and other
// scratch content that never reaches the block store.
type linearImage struct {
	data []byte
}

func (l *linearImage) size() int64 { return int64(len(l.data)) }

func (l *linearImage) read(p []byte, off int64) int {
	clear(p)
	if off >= int64(len(l.data)) {
		return 0
	}
	return copy(p, l.data[off:])
}

func (l *linearImage) write(p []byte, off int64) {
	if end := off + int64(len(p)); end > int64(len(l.data)) {
		grown := make([]byte, end)
		copy(grown, l.data)
		l.data = grown
	}
	copy(l.data[off:], p)
}

func (l *linearImage) truncate(size int64) {
	switch {
	case size < int64(len(l.data)):
		l.data = l.data[:size]
	case size > int64(len(l.data)):
		grown := make([]byte, size)
		copy(grown, l.data)
		l.data = grown
	}
}
