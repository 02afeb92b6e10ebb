package sahpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/embedql/vfskit/internal/logger"
	"github.com/embedql/vfskit/pkg/vfs"
)

// DefaultCapacity is the pool capacity used when the configuration does not
// specify one. Six slots cover a main database, its journal, a WAL, and
// headroom for temporary spill files.
const DefaultCapacity = 6

// sqlite3Header is the magic prefix of a well-formed database image,
// checked when importing files.
var sqlite3Header = []byte("SQLite format 3\x00")

// Config configures a pool instance.
type Config struct {
	// Name is the registry name the backend installs under.
	Name string `mapstructure:"name"`

	// Directory is where the default DirContainer stores slot objects.
	// Ignored when Container is set.
	Directory string `mapstructure:"directory"`

	// Capacity is the number of persistent handles to hold. Bootstrap
	// acquires handles until this many exist; opening more distinct
	// filenames than this fails with vfs.ErrFull.
	Capacity int `mapstructure:"capacity" validate:"omitempty,gte=1"`

	// ClearOnInit resets every slot during bootstrap, discarding all
	// previously persisted files.
	ClearOnInit bool `mapstructure:"clear_on_init"`

	// Container overrides the backing container. Nil selects a
	// DirContainer rooted at Directory.
	Container Container `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "sahpool"
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// slot is one entry of the fixed handle table. A slot is Reserved when path
// is non-empty and Unallocated otherwise; the persistent handle is held for
// the pool's lifetime either way (or until Pause releases it).
type slot struct {
	object string
	handle AccessHandle
	path   string
	flags  vfs.OpenFlags
	lock   vfs.FileLock
}

// Pool manages the fixed set of persistent access handles and the
// filename-to-slot index recovered from their headers.
//
// All host asynchrony is confined to New, AddCapacity, ReduceCapacity, and
// Resume. Every other method is synchronous and safe to call from the
// engine's file-operation path. The slot table is a critical section:
// every mutation happens under mu, even though the engine issues operations
// from a single logical context, to protect the invariants against
// reentrant calls from the host runtime.
type Pool struct {
	mu        sync.Mutex
	container Container
	slots     map[string]*slot // keyed by opaque object name
	byPath    map[string]*slot // Reserved slots keyed by client filename
	openFiles int
	paused    bool
}

// New runs the asynchronous bootstrap: open or create the backing
// container, recover filename bindings from existing slot headers, and
// acquire additional handles serially until the configured capacity is met.
//
// A failed bootstrap never yields a half-initialized pool: every handle
// acquired so far is released and the error is returned. Errors wrap
// vfs.ErrFull for quota exhaustion, vfs.ErrCorrupt for an inconsistent
// recovered index, and vfs.ErrIO otherwise, so callers can decide between
// retrying and wiping the container.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	container := cfg.Container
	if container == nil {
		dc, err := NewDirContainer(cfg.Directory)
		if err != nil {
			return nil, err
		}
		container = dc
	}

	p := &Pool{
		container: container,
		slots:     make(map[string]*slot),
		byPath:    make(map[string]*slot),
	}

	if err := p.acquireHandles(ctx, cfg.ClearOnInit); err != nil {
		p.releaseHandles()
		return nil, err
	}

	if missing := cfg.Capacity - len(p.slots); missing > 0 {
		if _, err := p.AddCapacity(ctx, missing); err != nil {
			p.releaseHandles()
			return nil, err
		}
	}

	logger.Info("sahpool: bootstrap complete (%d slots, %d bound)", len(p.slots), len(p.byPath))
	return p, nil
}

// acquireHandles enumerates the container and acquires a handle for every
// persisted slot, rebuilding the filename index from slot headers. Slots
// with missing or invalid headers, and slots bound to non-persistent file
// types, are reset to the free set. Running this twice against unchanged
// storage produces an identical mapping.
func (p *Pool) acquireHandles(ctx context.Context, clear bool) error {
	objects, err := p.container.List(ctx)
	if err != nil {
		return err
	}
	// Stable order keeps recovery deterministic.
	sort.Strings(objects)

	for _, object := range objects {
		handle, err := p.container.Acquire(ctx, object)
		if err != nil {
			return err
		}
		s := &slot{object: object, handle: handle}

		header, err := readHeader(handle)
		switch {
		case clear, errors.Is(err, errBadHeader):
			if err := resetSlot(s); err != nil {
				return err
			}
		case err != nil:
			return err
		case header.Path == "" || !vfs.OpenFlags(header.Flags).IsPersistent():
			if err := resetSlot(s); err != nil {
				return err
			}
		default:
			if _, dup := p.byPath[header.Path]; dup {
				return fmt.Errorf("two slots bound to %q: %w", header.Path, vfs.ErrCorrupt)
			}
			s.path = header.Path
			s.flags = vfs.OpenFlags(header.Flags)
			p.byPath[header.Path] = s
			logger.Debug("sahpool: recovered %q in slot %s", header.Path, object)
		}

		p.slots[object] = s
	}
	return nil
}

// releaseHandles closes every handle and clears the slot table. The only
// legal follow-up is acquireHandles.
func (p *Pool) releaseHandles() {
	for _, s := range p.slots {
		if s.handle != nil {
			_ = s.handle.Close()
			s.handle = nil
		}
	}
	p.slots = make(map[string]*slot)
	p.byPath = make(map[string]*slot)
}

// resetSlot disassociates a slot: content is truncated away first, then the
// empty binding is persisted. A crash between the two steps leaves the slot
// bound but empty, which bootstrap recovers as-is; it can never leave a
// binding pointing at stale content.
func resetSlot(s *slot) error {
	if err := s.handle.Truncate(HeaderSize); err != nil {
		return err
	}
	if err := writeHeader(s.handle, &slotHeader{Magic: slotMagic}); err != nil {
		return err
	}
	s.path = ""
	s.flags = 0
	s.lock = vfs.FileLock{}
	return nil
}

// freeSlot returns any currently unbound slot, or nil.
func (p *Pool) freeSlot() *slot {
	for _, s := range p.slots {
		if s.path == "" {
			return s
		}
	}
	return nil
}

func (p *Pool) checkLive() error {
	if p.paused {
		return fmt.Errorf("pool is paused: %w", vfs.ErrBusy)
	}
	return nil
}

// bind reserves a free slot for path, persisting the binding in the slot
// header before content is written.
func (p *Pool) bind(s *slot, path string, flags vfs.OpenFlags) error {
	size, err := s.handle.Size()
	if err != nil {
		return err
	}
	h := &slotHeader{Magic: slotMagic, Flags: uint32(flags), Path: path, Size: max(size-HeaderSize, 0)}
	if err := writeHeader(s.handle, h); err != nil {
		return err
	}
	s.path = path
	s.flags = flags
	p.byPath[path] = s
	return nil
}

// openSlot resolves path to its slot, reserving a free one when the open
// may create. It fails with vfs.ErrFull when no slot is free; the pool
// never grows implicitly inside a synchronous open.
func (p *Pool) openSlot(path string, flags vfs.OpenFlags) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return nil, err
	}
	if len(path) > MaxPathSize {
		return nil, fmt.Errorf("open %q: path too long: %w", path, vfs.ErrInvalidState)
	}

	if s, ok := p.byPath[path]; ok {
		p.openFiles++
		return s, nil
	}
	if flags&vfs.OpenCreate == 0 {
		return nil, fmt.Errorf("open %q: %w", path, vfs.ErrNotFound)
	}

	s := p.freeSlot()
	if s == nil {
		return nil, fmt.Errorf("open %q: pool capacity exhausted: %w", path, vfs.ErrFull)
	}
	if err := p.bind(s, path, flags); err != nil {
		return nil, err
	}
	p.openFiles++
	return s, nil
}

// releaseOpen records that a file handle was closed.
func (p *Pool) releaseOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openFiles > 0 {
		p.openFiles--
	}
}

// isPaused reports the paused state under the pool lock.
func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// deletePath removes path from the pool. Content is truncated to zero
// length first and only then is the binding cleared and the slot returned
// to the free set; see resetSlot for the crash-consistency argument.
// Deleting an unknown path is a no-op, matching engine expectations for
// journal cleanup.
func (p *Pool) deletePath(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}

	s, ok := p.byPath[path]
	if !ok {
		return nil
	}
	if err := resetSlot(s); err != nil {
		return err
	}
	delete(p.byPath, path)
	return nil
}

func (p *Pool) contains(path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return false, err
	}
	_, ok := p.byPath[path]
	return ok, nil
}

// Capacity returns the total number of slots, bound or free.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// FileCount returns the number of slots currently bound to filenames.
func (p *Pool) FileCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPath)
}

// FileNames returns the client filenames currently bound, sorted.
func (p *Pool) FileNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.byPath))
	for name := range p.byPath {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddCapacity asynchronously acquires n additional handles, one at a time,
// and returns the new capacity. This is the only way the pool grows; a
// synchronous open never triggers it.
func (p *Pool) AddCapacity(ctx context.Context, n int) (int, error) {
	for i := 0; i < n; i++ {
		object := randomObjectName()
		handle, err := p.container.Acquire(ctx, object)
		if err != nil {
			return p.Capacity(), err
		}
		s := &slot{object: object, handle: handle}
		if err := resetSlot(s); err != nil {
			_ = handle.Close()
			return p.Capacity(), err
		}

		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			_ = handle.Close()
			return p.Capacity(), fmt.Errorf("pool is paused: %w", vfs.ErrBusy)
		}
		p.slots[object] = s
		p.mu.Unlock()
	}
	return p.Capacity(), nil
}

// ReduceCapacity removes up to n currently-unbound slots from the pool and
// the backing container, returning how many were actually removed.
func (p *Pool) ReduceCapacity(ctx context.Context, n int) (int, error) {
	removed := 0
	for removed < n {
		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			return removed, fmt.Errorf("pool is paused: %w", vfs.ErrBusy)
		}
		s := p.freeSlot()
		if s == nil {
			p.mu.Unlock()
			break
		}
		delete(p.slots, s.object)
		p.mu.Unlock()

		_ = s.handle.Close()
		if err := p.container.Remove(ctx, s.object); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Pause releases every underlying handle so another context can acquire
// them. It fails with vfs.ErrBusy while any file handle is open: releasing
// the slots would strand those handles mid-use. While paused, every
// synchronous operation fails with vfs.ErrBusy.
func (p *Pool) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return nil
	}
	if p.openFiles > 0 {
		return fmt.Errorf("cannot pause: %d file handle(s) still open: %w", p.openFiles, vfs.ErrBusy)
	}
	p.releaseHandles()
	p.paused = true
	logger.Info("sahpool: paused, all handles released")
	return nil
}

// Resume re-acquires the released handles and rebuilds the filename index
// from storage. On failure the pool stays paused with nothing acquired.
func (p *Pool) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused {
		return nil
	}
	if err := p.acquireHandles(ctx, false); err != nil {
		p.releaseHandles()
		return err
	}
	p.paused = false
	logger.Info("sahpool: resumed (%d slots, %d bound)", len(p.slots), len(p.byPath))
	return nil
}

// WipeFiles resets every slot, discarding all stored files while keeping
// the pool's capacity.
func (p *Pool) WipeFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}
	for _, s := range p.slots {
		if err := resetSlot(s); err != nil {
			return err
		}
	}
	p.byPath = make(map[string]*slot)
	return nil
}

// Close releases all handles. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseHandles()
	p.paused = true
	return nil
}

// ExportFile reads back the full content of a stored file.
func (p *Pool) ExportFile(path string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return nil, err
	}
	s, ok := p.byPath[path]
	if !ok {
		return nil, fmt.Errorf("export %q: %w", path, vfs.ErrNotFound)
	}

	physical, err := s.handle.Size()
	if err != nil {
		return nil, err
	}
	size := max(physical-HeaderSize, 0)
	data := make([]byte, size)
	if size > 0 {
		n, err := s.handle.ReadAt(data, HeaderSize)
		if err != nil {
			return nil, err
		}
		if int64(n) != size {
			return nil, fmt.Errorf("export %q: read %d of %d bytes: %w", path, n, size, vfs.ErrIO)
		}
	}
	return data, nil
}

// ImportFile stores a complete database image under path, overwriting any
// existing content. The image must carry the engine's file header and be a
// whole number of 512-byte units. Imports land in the slot already bound to
// path, or reserve a free one.
//
// Images exported while write-ahead logging was active are normalized back
// to rollback-journal mode, since the log itself is not imported.
func (p *Pool) ImportFile(path string, data []byte) error {
	if len(data) < 512 || len(data)%512 != 0 {
		return fmt.Errorf("import %q: image size %d is not a multiple of 512: %w", path, len(data), vfs.ErrInvalidState)
	}
	if !bytes.HasPrefix(data, sqlite3Header) {
		return fmt.Errorf("import %q: missing database header: %w", path, vfs.ErrInvalidState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}

	s, ok := p.byPath[path]
	if !ok {
		if s = p.freeSlot(); s == nil {
			return fmt.Errorf("import %q: pool capacity exhausted: %w", path, vfs.ErrFull)
		}
	}

	if err := s.handle.Truncate(HeaderSize + int64(len(data))); err != nil {
		return err
	}
	if _, err := s.handle.WriteAt(data, HeaderSize); err != nil {
		return err
	}
	// Bytes 18 and 19 of the database header carry the read/write version;
	// force them back to rollback-journal mode.
	if _, err := s.handle.WriteAt([]byte{1, 1}, HeaderSize+18); err != nil {
		return err
	}

	h := &slotHeader{Magic: slotMagic, Flags: uint32(vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate), Path: path, Size: int64(len(data))}
	if err := writeHeader(s.handle, h); err != nil {
		return err
	}
	s.path = path
	s.flags = vfs.OpenFlags(h.Flags)
	p.byPath[path] = s
	return nil
}
