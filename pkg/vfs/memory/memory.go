// Package memory implements the baseline in-memory backend.
//
// A file is a growable byte buffer keyed by name in a per-backend table.
// Nothing persists across process restarts. The backend needs no bootstrap
// and is the always-available default.
package memory

import (
	"fmt"
	"sync"

	"github.com/embedql/vfskit/pkg/vfs"
)

// Backend stores every file entirely in memory.
//
// Thread safety: the name table is guarded by an RWMutex, and each file's
// buffer by its own. The five-level lock state is still tracked per file so
// the engine's locking discipline behaves identically across backends.
type Backend struct {
	mu    sync.RWMutex
	files map[string]*memFile
}

// New returns an empty in-memory backend. Each instance owns an independent
// file table; there is no ambient global state, so tests can run any number
// of instances side by side.
func New() *Backend {
	return &Backend{files: make(map[string]*memFile)}
}

type memFile struct {
	mu   sync.RWMutex
	data []byte
	lock vfs.FileLock
}

// Open opens or creates the named buffer.
func (b *Backend) Open(name string, flags vfs.OpenFlags) (vfs.File, vfs.OpenFlags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mf, ok := b.files[name]
	if !ok {
		if flags&vfs.OpenCreate == 0 {
			return nil, 0, fmt.Errorf("open %q: %w", name, vfs.ErrNotFound)
		}
		mf = &memFile{}
		b.files[name] = mf
	}

	return &file{backend: b, name: name, flags: flags, mf: mf}, flags, nil
}

// Delete removes the named buffer. Deleting a missing file is not an error;
// the engine deletes journals unconditionally.
func (b *Backend) Delete(name string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.files, name)
	return nil
}

// Access reports whether the named buffer exists. Memory files are always
// writable, so both access flags reduce to existence.
func (b *Backend) Access(name string, _ vfs.AccessFlag) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.files[name]
	return ok, nil
}

// FullPathname returns the name unchanged; memory filenames are flat keys.
func (b *Backend) FullPathname(name string) (string, error) {
	return name, nil
}

type file struct {
	backend *Backend
	name    string
	flags   vfs.OpenFlags
	mf      *memFile
	level   vfs.LockLevel
	closed  bool
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("read %q: %w", f.name, vfs.ErrInvalidState)
	}

	f.mf.mu.RLock()
	defer f.mf.mu.RUnlock()

	size := int64(len(f.mf.data))
	if off >= size {
		clear(p)
		return 0, nil
	}

	n := copy(p, f.mf.data[off:])
	if n < len(p) {
		clear(p[n:])
	}
	return n, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("write %q: %w", f.name, vfs.ErrInvalidState)
	}

	f.mf.mu.Lock()
	defer f.mf.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.mf.data)) {
		grown := make([]byte, end)
		copy(grown, f.mf.data)
		f.mf.data = grown
	}
	copy(f.mf.data[off:end], p)
	return len(p), nil
}

func (f *file) Truncate(size int64) error {
	f.mf.mu.Lock()
	defer f.mf.mu.Unlock()

	switch {
	case size < int64(len(f.mf.data)):
		f.mf.data = f.mf.data[:size]
	case size > int64(len(f.mf.data)):
		grown := make([]byte, size)
		copy(grown, f.mf.data)
		f.mf.data = grown
	}
	return nil
}

// Sync is a no-op: there is no durable copy to make consistent.
func (f *file) Sync() error { return nil }

func (f *file) Size() (int64, error) {
	f.mf.mu.RLock()
	defer f.mf.mu.RUnlock()
	return int64(len(f.mf.data)), nil
}

func (f *file) Lock(level vfs.LockLevel) error {
	if err := f.mf.lock.Acquire(f.level, level); err != nil {
		return err
	}
	if level > f.level {
		f.level = level
	}
	return nil
}

func (f *file) Unlock(level vfs.LockLevel) error {
	if err := f.mf.lock.Release(f.level, level); err != nil {
		return err
	}
	if level < f.level {
		f.level = level
	}
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	return f.mf.lock.CheckReserved(), nil
}

func (f *file) SectorSize() int { return vfs.DefaultSectorSize }

func (f *file) DeviceCharacteristics() int { return 0 }

func (f *file) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	// Drop any lock still held so other handles are not blocked forever.
	_ = f.mf.lock.Release(f.level, vfs.LockNone)
	f.level = vfs.LockNone

	if f.flags&vfs.OpenDeleteOnClose != 0 {
		return f.backend.Delete(f.name, false)
	}
	return nil
}
