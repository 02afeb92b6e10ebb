package sahpool

import (
	"context"
	"fmt"
	"path"

	"github.com/embedql/vfskit/pkg/vfs"
)

// Backend adapts a Pool to the vfs.Backend contract. Every method is
// synchronous; the pool's bootstrap has already paid all asynchronous
// costs.
type Backend struct {
	pool *Pool
}

// NewBackend wraps an already-bootstrapped pool.
func NewBackend(pool *Pool) *Backend {
	return &Backend{pool: pool}
}

// Pool exposes the underlying pool for maintenance operations
// (AddCapacity, Pause, import/export).
func (b *Backend) Pool() *Pool { return b.pool }

// Install bootstraps a pool from cfg and registers the backend with the
// registry under cfg.Name. The returned pool is the maintenance surface.
//
// The error distinguishes failure classes: vfs.ErrFull wraps quota
// exhaustion (retry may succeed after freeing space), vfs.ErrCorrupt wraps
// an inconsistent recovered index (wipe and recreate the container), and
// vfs.ErrIO covers everything else.
func Install(ctx context.Context, registry *vfs.Registry, cfg Config, asDefault bool) (*Pool, error) {
	cfg = cfg.withDefaults()

	pool, err := New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("install sahpool %q: %w", cfg.Name, err)
	}
	if err := registry.Register(cfg.Name, NewBackend(pool), asDefault); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

func (b *Backend) Open(name string, flags vfs.OpenFlags) (vfs.File, vfs.OpenFlags, error) {
	s, err := b.pool.openSlot(name, flags)
	if err != nil {
		return nil, 0, err
	}
	return &file{pool: b.pool, slot: s, name: name, flags: flags}, flags, nil
}

func (b *Backend) Delete(name string, _ bool) error {
	// Slot truncation is flushed before the binding is cleared, so the
	// syncDir hint adds nothing here.
	return b.pool.deletePath(name)
}

func (b *Backend) Access(name string, _ vfs.AccessFlag) (bool, error) {
	return b.pool.contains(name)
}

// FullPathname resolves "../" segments and duplicate slashes; pool
// filenames are otherwise flat keys into the slot index.
func (b *Backend) FullPathname(name string) (string, error) {
	return path.Clean(name), nil
}

// file is one open handle onto a pool slot. Multiple handles for the same
// filename share the slot and its lock state.
type file struct {
	pool   *Pool
	slot   *slot
	name   string
	flags  vfs.OpenFlags
	level  vfs.LockLevel
	closed bool
}

// withHandle runs fn with the slot's access handle while holding the pool
// lock, failing with vfs.ErrBusy while the pool is paused. Slot table
// access and handle I/O share the critical section so a pause can never
// observe a half-applied operation.
func (f *file) withHandle(fn func(h AccessHandle) error) error {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()

	if f.pool.paused || f.slot.handle == nil {
		return fmt.Errorf("%q: pool is paused: %w", f.name, vfs.ErrBusy)
	}
	return fn(f.slot.handle)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := f.withHandle(func(h AccessHandle) error {
		read, err := h.ReadAt(p, HeaderSize+off)
		if err != nil {
			return err
		}
		n = read
		if n < len(p) {
			clear(p[n:])
		}
		return nil
	})
	return n, err
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := f.withHandle(func(h AccessHandle) error {
		written, err := h.WriteAt(p, HeaderSize+off)
		if err != nil {
			return err
		}
		if written != len(p) {
			return fmt.Errorf("write %q: wrote %d of %d bytes: %w", f.name, written, len(p), vfs.ErrIO)
		}
		n = written
		return nil
	})
	return n, err
}

func (f *file) Truncate(size int64) error {
	return f.withHandle(func(h AccessHandle) error {
		if err := h.Truncate(HeaderSize + size); err != nil {
			return err
		}
		return f.writeHeaderLocked(size)
	})
}

// Sync flushes the handle and refreshes the header's recorded logical size.
// The pooled backend offers full durability: when Sync returns, content has
// reached the backing store.
func (f *file) Sync() error {
	return f.withHandle(func(h AccessHandle) error {
		if err := h.Flush(); err != nil {
			return err
		}
		physical, err := h.Size()
		if err != nil {
			return err
		}
		return f.writeHeaderLocked(max(physical-HeaderSize, 0))
	})
}

// writeHeaderLocked rewrites the slot header with the given logical size.
// Caller holds the pool lock.
func (f *file) writeHeaderLocked(size int64) error {
	return writeHeader(f.slot.handle, &slotHeader{
		Magic: slotMagic,
		Flags: uint32(f.slot.flags),
		Path:  f.slot.path,
		Size:  size,
	})
}

func (f *file) Size() (int64, error) {
	var size int64
	err := f.withHandle(func(h AccessHandle) error {
		physical, err := h.Size()
		if err != nil {
			return err
		}
		size = max(physical-HeaderSize, 0)
		return nil
	})
	return size, err
}

// Lock tracks the five-level state in memory only. Escalating to Exclusive
// never touches the persistent handle; it is held for the pool's lifetime
// regardless of the logical level.
func (f *file) Lock(level vfs.LockLevel) error {
	if f.pool.isPaused() {
		return fmt.Errorf("%q: pool is paused: %w", f.name, vfs.ErrBusy)
	}
	if err := f.slot.lock.Acquire(f.level, level); err != nil {
		return err
	}
	if level > f.level {
		f.level = level
	}
	return nil
}

func (f *file) Unlock(level vfs.LockLevel) error {
	if err := f.slot.lock.Release(f.level, level); err != nil {
		return err
	}
	if level < f.level {
		f.level = level
	}
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	if f.pool.isPaused() {
		return false, fmt.Errorf("%q: pool is paused: %w", f.name, vfs.ErrBusy)
	}
	return f.slot.lock.CheckReserved(), nil
}

// SectorSize matches the header alignment so the engine's assumptions
// about atomic units line up with the slot layout.
func (f *file) SectorSize() int { return HeaderSize }

func (f *file) DeviceCharacteristics() int { return vfs.IocapUndeletableWhenOpen }

func (f *file) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	_ = f.slot.lock.Release(f.level, vfs.LockNone)
	f.level = vfs.LockNone

	err := f.withHandle(func(h AccessHandle) error {
		return h.Flush()
	})
	f.pool.releaseOpen()
	if err != nil {
		return err
	}
	if f.flags&vfs.OpenDeleteOnClose != 0 {
		return f.pool.deletePath(f.name)
	}
	return nil
}
