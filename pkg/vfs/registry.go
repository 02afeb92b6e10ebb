package vfs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// OpenOptions carries out-of-band parameters for Registry.Open.
type OpenOptions struct {
	// Backend explicitly selects the backend by registered name. It takes
	// precedence over any ?vfs= selector embedded in the filename. Empty
	// means "use the selector, else the default backend".
	Backend string
}

// Registry holds named backend instances and routes every engine file
// operation to the backend that owns the target file.
//
// The hosting application installs backends (an asynchronous, awaited
// bootstrap) before any database is opened; from then on every call through
// the registry is synchronous. The registry itself never compensates for a
// backend that cannot answer synchronously, and it never substitutes a
// generic error for a backend's specific one.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultName string
}

// NewRegistry returns an empty registry. Most applications register the
// memory backend first as the always-available default.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under a unique name. Registering a name twice
// fails with ErrExists. If asDefault is true (or no default exists yet) the
// backend becomes the default for open requests with no selector.
func (r *Registry) Register(name string, backend Backend, asDefault bool) error {
	if name == "" {
		return fmt.Errorf("register backend: empty name: %w", ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("register backend %q: %w", name, ErrExists)
	}
	r.backends[name] = backend
	if asDefault || r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", name, ErrNotFound)
	}
	return backend, nil
}

// Default returns the current default backend.
func (r *Registry) Default() (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultName == "" {
		return nil, fmt.Errorf("no default backend: %w", ErrNotFound)
	}
	return r.backends[r.defaultName], nil
}

// SplitName splits a client filename into the bare path and the backend
// selector embedded as a query-style suffix ("file.db?vfs=sahpool").
// Parameters other than vfs are dropped from the returned path.
func SplitName(name string) (path, backend string) {
	path, query, found := strings.Cut(name, "?")
	if !found {
		return path, ""
	}
	for _, param := range strings.Split(query, "&") {
		if value, ok := strings.CutPrefix(param, "vfs="); ok {
			backend = value
		}
	}
	return path, backend
}

// resolve picks the backend serving name: the explicit option, else the
// name-embedded selector, else the default.
func (r *Registry) resolve(name string, opts *OpenOptions) (Backend, string, error) {
	path, selector := SplitName(name)
	if opts != nil && opts.Backend != "" {
		selector = opts.Backend
	}

	if selector == "" {
		backend, err := r.Default()
		return backend, path, err
	}
	backend, err := r.Lookup(selector)
	return backend, path, err
}

// Open resolves the target backend and forwards the open request. An empty
// name asks the backend for an anonymous scratch file under a random name.
func (r *Registry) Open(name string, flags OpenFlags, opts *OpenOptions) (*Handle, error) {
	backend, path, err := r.resolve(name, opts)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = uuid.NewString()
	}

	file, outFlags, err := backend.Open(path, flags)
	if err != nil {
		return nil, err
	}
	return &Handle{file: file, name: path, flags: outFlags}, nil
}

// Delete forwards a delete request to the backend owning name.
func (r *Registry) Delete(name string, syncDir bool, opts *OpenOptions) error {
	backend, path, err := r.resolve(name, opts)
	if err != nil {
		return err
	}
	return backend.Delete(path, syncDir)
}

// Access forwards an access test to the backend owning name.
func (r *Registry) Access(name string, flag AccessFlag, opts *OpenOptions) (bool, error) {
	backend, path, err := r.resolve(name, opts)
	if err != nil {
		return false, err
	}
	return backend.Access(path, flag)
}

// FullPathname forwards filename canonicalization to the backend owning
// name.
func (r *Registry) FullPathname(name string, opts *OpenOptions) (string, error) {
	backend, path, err := r.resolve(name, opts)
	if err != nil {
		return "", err
	}
	return backend.FullPathname(path)
}

// Handle is an open file as seen by the engine: the backend-specific File
// plus the identity recorded at open time. All I/O methods forward to the
// owning backend without translation.
type Handle struct {
	file  File
	name  string
	flags OpenFlags
}

// Name returns the canonical filename this handle was opened under.
func (h *Handle) Name() string { return h.name }

// Flags returns the effective open flags.
func (h *Handle) Flags() OpenFlags { return h.flags }

func (h *Handle) ReadAt(p []byte, off int64) (int, error)  { return h.file.ReadAt(p, off) }
func (h *Handle) WriteAt(p []byte, off int64) (int, error) { return h.file.WriteAt(p, off) }
func (h *Handle) Truncate(size int64) error                { return h.file.Truncate(size) }
func (h *Handle) Sync() error                              { return h.file.Sync() }
func (h *Handle) Size() (int64, error)                     { return h.file.Size() }
func (h *Handle) Lock(level LockLevel) error               { return h.file.Lock(level) }
func (h *Handle) Unlock(level LockLevel) error             { return h.file.Unlock(level) }
func (h *Handle) CheckReservedLock() (bool, error)         { return h.file.CheckReservedLock() }
func (h *Handle) SectorSize() int                          { return h.file.SectorSize() }
func (h *Handle) DeviceCharacteristics() int               { return h.file.DeviceCharacteristics() }
func (h *Handle) Close() error                             { return h.file.Close() }
