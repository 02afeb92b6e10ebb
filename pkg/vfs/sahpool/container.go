// Package sahpool implements the pooled-persistent-handle backend.
//
// The host environment hands out exclusive persistent access handles only
// through asynchronous, quota-limited operations, while the engine's file
// contract is strictly synchronous. The pool bridges the two by acquiring a
// fixed set of handles up front (the asynchronous bootstrap) and mapping
// logical filenames onto them afterwards without ever suspending.
package sahpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/embedql/vfskit/pkg/vfs"
)

// AccessHandle is a host-provided handle granting exclusive, synchronous
// byte-range read/write access to one backing storage object. Once
// acquired, every method completes without suspending.
type AccessHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Size() (int64, error)
	Flush() error
	Close() error
}

// Container is the backing store that grants persistent access handles.
// Enumeration, acquisition, and removal are asynchronous host operations
// and must only be called during bootstrap or explicit maintenance, never
// from the synchronous file path.
type Container interface {
	// List enumerates the opaque object names currently persisted.
	List(ctx context.Context) ([]string, error)

	// Acquire opens the named object for exclusive access, creating it if
	// absent. Acquiring an object another context holds fails with an
	// error wrapping vfs.ErrBusy.
	Acquire(ctx context.Context, name string) (AccessHandle, error)

	// Remove deletes the named object. The caller must have closed its
	// handle first.
	Remove(ctx context.Context, name string) error
}

// randomObjectName returns a fresh opaque name for a new pool slot. Client
// filenames never appear in the container namespace; the binding lives in
// each slot's header.
func randomObjectName() string {
	return uuid.NewString()
}

// DirContainer is the default Container: one regular file per slot inside a
// directory, with exclusivity enforced via advisory file locks so that two
// pools (or two processes) cannot acquire the same slot.
type DirContainer struct {
	dir string
}

// NewDirContainer creates the directory if needed and returns a container
// over it.
func NewDirContainer(dir string) (*DirContainer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create container directory: %w", classifyFSError(err))
	}
	return &DirContainer{dir: dir}, nil
}

func (c *DirContainer) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list container: %w", classifyFSError(err))
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (c *DirContainer) Acquire(ctx context.Context, name string) (AccessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.dir, name)

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock slot %s: %w", name, classifyFSError(err))
	}
	if !locked {
		return nil, fmt.Errorf("slot %s held by another context: %w", name, vfs.ErrBusy)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open slot %s: %w", name, classifyFSError(err))
	}

	return &dirHandle{f: f, lock: lock}, nil
}

func (c *DirContainer) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove slot %s: %w", name, classifyFSError(err))
	}
	return nil
}

type dirHandle struct {
	f    *os.File
	lock *flock.Flock
}

func (h *dirHandle) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.f.ReadAt(p, off)
	if err == io.EOF {
		// Short reads are reported through n; the pool zero-fills.
		err = nil
	}
	if err != nil {
		return n, fmt.Errorf("read slot: %w", classifyFSError(err))
	}
	return n, nil
}

func (h *dirHandle) WriteAt(p []byte, off int64) (int, error) {
	n, err := h.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("write slot: %w", classifyFSError(err))
	}
	return n, nil
}

func (h *dirHandle) Truncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate slot: %w", classifyFSError(err))
	}
	return nil
}

func (h *dirHandle) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat slot: %w", classifyFSError(err))
	}
	return info.Size(), nil
}

func (h *dirHandle) Flush() error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("flush slot: %w", classifyFSError(err))
	}
	return nil
}

func (h *dirHandle) Close() error {
	err := h.f.Close()
	if unlockErr := h.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// classifyFSError folds host filesystem failures into the backend error
// taxonomy so install callers can tell quota exhaustion from everything
// else.
func classifyFSError(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", vfs.ErrFull, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", vfs.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", vfs.ErrIO, err)
	}
}
