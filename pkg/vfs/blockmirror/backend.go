package blockmirror

import (
	"context"
	"fmt"
	"path"

	"github.com/embedql/vfskit/pkg/vfs"
)

// Backend adapts a Mirror to the vfs.Backend contract.
type Backend struct {
	mirror *Mirror
}

// NewBackend wraps an already-loaded mirror.
func NewBackend(mirror *Mirror) *Backend {
	return &Backend{mirror: mirror}
}

// Mirror exposes the underlying mirror for maintenance operations
// (preload, import/export, wipe).
func (b *Backend) Mirror() *Mirror { return b.mirror }

// Install loads a mirror from cfg and registers the backend with the
// registry under cfg.Name.
func Install(ctx context.Context, registry *vfs.Registry, cfg Config, asDefault bool) (*Mirror, error) {
	cfg = cfg.withDefaults()

	mirror, err := New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("install blockmirror %q: %w", cfg.Name, err)
	}
	if err := registry.Register(cfg.Name, NewBackend(mirror), asDefault); err != nil {
		_ = mirror.Close()
		return nil, err
	}
	return mirror, nil
}

func (b *Backend) Open(name string, flags vfs.OpenFlags) (vfs.File, vfs.OpenFlags, error) {
	mf, err := b.mirror.openFile(name, flags)
	if err != nil {
		return nil, 0, err
	}
	return &file{mirror: b.mirror, mf: mf, name: name, flags: flags}, flags, nil
}

func (b *Backend) Delete(name string, _ bool) error {
	// The commit token is dropped: removal of persisted blocks completes in
	// the background, consistent with the relaxed durability of writes.
	_, err := b.mirror.DeleteFile(name)
	return err
}

func (b *Backend) Access(name string, _ vfs.AccessFlag) (bool, error) {
	return b.mirror.Exists(name), nil
}

func (b *Backend) FullPathname(name string) (string, error) {
	return path.Clean(name), nil
}

// file is one open handle onto a mirrored file.
type file struct {
	mirror *Mirror
	mf     *mirrorFile
	name   string
	flags  vfs.OpenFlags
	level  vfs.LockLevel
	closed bool
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("read %q: %w", f.name, vfs.ErrInvalidState)
	}
	f.mirror.mu.Lock()
	defer f.mirror.mu.Unlock()
	return f.mf.img.read(p, off), nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("write %q: %w", f.name, vfs.ErrInvalidState)
	}
	if f.flags&vfs.OpenReadOnly != 0 {
		return 0, fmt.Errorf("write %q: handle is read-only: %w", f.name, vfs.ErrInvalidState)
	}
	f.mirror.mu.Lock()
	defer f.mirror.mu.Unlock()
	f.mf.img.write(p, off)
	return len(p), nil
}

func (f *file) Truncate(size int64) error {
	if f.closed {
		return fmt.Errorf("truncate %q: %w", f.name, vfs.ErrInvalidState)
	}
	f.mirror.mu.Lock()
	defer f.mirror.mu.Unlock()
	f.mf.img.truncate(size)
	return nil
}

// Sync snapshots the dirty state and hands it to the background flusher.
// It returns as soon as the snapshot is enqueued; durability is relaxed by
// contract, so the caller does not wait for the store transaction.
func (f *file) Sync() error {
	_, err := f.mirror.flushFile(f.name)
	return err
}

func (f *file) Size() (int64, error) {
	f.mirror.mu.Lock()
	defer f.mirror.mu.Unlock()
	return f.mf.img.size(), nil
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

// Close releases the handle's lock and enqueues a final flush so writes
// from the last transaction are not stranded in memory.
func (f *file) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	_ = f.mf.lock.Release(f.level, vfs.LockNone)
	f.level = vfs.LockNone

	if f.flags&vfs.OpenDeleteOnClose != 0 {
		_, err := f.mirror.DeleteFile(f.name)
		return err
	}
	_, err := f.mirror.flushFile(f.name)
	return err
}
