package blockmirror

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/embedql/vfskit/internal/logger"
	"github.com/embedql/vfskit/pkg/vfs"
)

// DefaultBlockSize is used for a main database file whose geometry cannot
// be inferred from a write yet. Matches the engine's default page size.
const DefaultBlockSize = 4096

var sqlite3Header = []byte("SQLite format 3\x00")

// Config describes a mirror instance.
type Config struct {
	// Name the mirror registers under.
	Name string `mapstructure:"name" validate:"required"`

	// Path of the embedded block store. Ignored when Store is set.
	Path string `mapstructure:"path"`

	// BlockSize is used for files created through this mirror. Zero lets
	// each file infer its size from the first write.
	BlockSize int64 `mapstructure:"block_size"`

	// Preload lists database names to load into memory before install
	// completes. Empty means load every persisted file.
	Preload []string `mapstructure:"preload"`

	// ClearOnInit wipes the persisted store before loading.
	ClearOnInit bool `mapstructure:"clear_on_init"`

	// Store overrides the default BadgerDB store, mainly for tests.
	Store BlockStore `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "blockmirror"
	}
	return c
}

// Commit tracks one background flush. The zero of the channel idiom: Done
// is closed when the flusher has finished, after which Err reports the
// outcome.
type Commit struct {
	done chan struct{}
	err  error
}

func newCommit() *Commit {
	return &Commit{done: make(chan struct{})}
}

// Done returns a channel closed once the flush has been applied (or failed).
func (c *Commit) Done() <-chan struct{} { return c.done }

// Err reports the flush outcome. Only valid after Done is closed.
func (c *Commit) Err() error { return c.err }

// Wait blocks until the flush lands or ctx expires.
func (c *Commit) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Commit) finish(err error) {
	c.err = err
	close(c.done)
}

type flushOp int

const (
	opCommit flushOp = iota
	opDelete
	opWipe
)

type flushRequest struct {
	op     flushOp
	name   string
	snap   *Snapshot
	commit *Commit
}

// Mirror owns the in-memory images of every mirrored file plus the
// background flusher that carries snapshots into the block store.
//
// Reads and writes touch only memory under the mirror lock. The flusher is
// the sole goroutine talking to the store after install, so commits for one
// mirror are applied strictly in the order sync() produced them.
type Mirror struct {
	mu        sync.Mutex
	files     map[string]*mirrorFile
	store     BlockStore
	blockSize int64

	requests chan flushRequest
	flushed  chan struct{}
	closed   bool
}

type mirrorFile struct {
	img  image
	lock vfs.FileLock
}

// New loads the persisted state selected by cfg and starts the flusher.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	cfg = cfg.withDefaults()

	if cfg.BlockSize != 0 && !validBlockSize(cfg.BlockSize) {
		return nil, fmt.Errorf("block size %d out of range: %w", cfg.BlockSize, vfs.ErrInvalidState)
	}

	store := cfg.Store
	if store == nil {
		s, err := NewBadgerStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if cfg.ClearOnInit {
		if err := store.Wipe(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	m := &Mirror{
		files:     make(map[string]*mirrorFile),
		store:     store,
		blockSize: cfg.BlockSize,
		requests:  make(chan flushRequest, 64),
		flushed:   make(chan struct{}),
	}
	if err := m.Preload(ctx, cfg.Preload); err != nil {
		_ = store.Close()
		return nil, err
	}

	go m.flusher()

	logger.Info("block mirror %q ready: %d file(s) loaded", cfg.Name, len(m.files))
	return m, nil
}

// flusher drains the request channel until Close. Flush failures are
// reported on the commit token and logged; the in-memory image stays
// authoritative either way.
func (m *Mirror) flusher() {
	defer close(m.flushed)

	ctx := context.Background()
	for req := range m.requests {
		var err error
		switch req.op {
		case opCommit:
			err = m.store.Commit(ctx, req.name, req.snap)
		case opDelete:
			err = m.store.Delete(ctx, req.name)
		case opWipe:
			err = m.store.Wipe(ctx)
		}
		if err != nil {
			logger.Error("background flush of %q failed: %v", req.name, err)
		}
		req.commit.finish(err)
	}
}

// enqueue hands a request to the flusher. Caller holds m.mu.
func (m *Mirror) enqueue(req flushRequest) (*Commit, error) {
	if m.closed {
		return nil, fmt.Errorf("mirror is closed: %w", vfs.ErrInvalidState)
	}
	req.commit = newCommit()
	m.requests <- req
	return req.commit, nil
}

// Preload loads the named persisted files into memory, skipping any that
// are already resident. A nil names slice loads everything persisted.
func (m *Mirror) Preload(ctx context.Context, names []string) error {
	images, err := m.store.Load(ctx, names)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, img := range images {
		if _, ok := m.files[name]; ok {
			continue
		}
		m.files[name] = &mirrorFile{img: newBlockImage(img)}
	}
	return nil
}

// openFile resolves name to its mirror file, creating one when the flags
// allow. Main database files get block-structured images that the flusher
// can persist; journals and other scratch files live in plain linear
// buffers and are never flushed.
func (m *Mirror) openFile(name string, flags vfs.OpenFlags) (*mirrorFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[name]; ok {
		return f, nil
	}
	if flags&vfs.OpenCreate == 0 {
		return nil, fmt.Errorf("open %q: %w", name, vfs.ErrNotFound)
	}

	f := &mirrorFile{}
	if flags&vfs.OpenMainDB != 0 {
		f.img = &blockImage{
			blockSize: m.blockSize,
			blocks:    make(map[int64][]byte),
			dirty:     make(map[int64]struct{}),
		}
	} else {
		f.img = &linearImage{}
	}
	m.files[name] = f
	return f, nil
}

// flushFile snapshots name's dirty state and enqueues it. A nil Commit with
// nil error means there was nothing to flush. Linear scratch files always
// report clean.
func (m *Mirror) flushFile(name string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("flush %q: %w", name, vfs.ErrNotFound)
	}
	bi, ok := f.img.(*blockImage)
	if !ok {
		return nil, nil
	}
	snap := bi.snapshot()
	if snap == nil {
		return nil, nil
	}
	return m.enqueue(flushRequest{op: opCommit, name: name, snap: snap})
}

// DeleteFile drops name from memory and schedules removal of its persisted
// blocks. Deleting an unknown name is a no-op with a nil Commit.
func (m *Mirror) DeleteFile(name string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[name]
	if !ok {
		return nil, nil
	}
	delete(m.files, name)

	if _, linear := f.img.(*linearImage); linear {
		// Nothing persisted for scratch files.
		return nil, nil
	}
	return m.enqueue(flushRequest{op: opDelete, name: name})
}

// Exists reports whether name is resident in the mirror.
func (m *Mirror) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

// FileNames lists the resident files.
func (m *Mirror) FileNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	return names
}

// SetBlockSize pins name's block size ahead of its first write. It fails
// once any block has been materialized, since re-chunking persisted blocks
// is not supported.
func (m *Mirror) SetBlockSize(name string, size int64) error {
	if !validBlockSize(size) {
		return fmt.Errorf("block size %d out of range: %w", size, vfs.ErrInvalidState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[name]
	if !ok {
		return fmt.Errorf("set block size of %q: %w", name, vfs.ErrNotFound)
	}
	bi, ok := f.img.(*blockImage)
	if !ok {
		return fmt.Errorf("%q is not block structured: %w", name, vfs.ErrUnsupported)
	}
	return bi.setBlockSize(size)
}

// Wipe drops every resident file and schedules removal of all persisted
// state.
func (m *Mirror) Wipe() (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[string]*mirrorFile)
	return m.enqueue(flushRequest{op: opWipe})
}

// ImportFile installs a complete database image under name and schedules
// its first flush. The byte slice must carry the standard 16-byte database
// header; the block size is read from the header's page-size field.
func (m *Mirror) ImportFile(name string, data []byte) (*Commit, error) {
	blockSize, err := validateImport(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[name]; ok {
		return nil, fmt.Errorf("import %q: %w", name, vfs.ErrExists)
	}

	bi := &blockImage{
		blockSize: blockSize,
		blocks:    make(map[int64][]byte),
		dirty:     make(map[int64]struct{}),
	}
	for off := int64(0); off < int64(len(data)); off += blockSize {
		block := make([]byte, blockSize)
		copy(block, data[off:])
		bi.blocks[off] = block
		bi.dirty[off] = struct{}{}
	}
	bi.length = int64(len(data))
	m.files[name] = &mirrorFile{img: bi}

	snap := bi.snapshot()
	return m.enqueue(flushRequest{op: opCommit, name: name, snap: snap})
}

// validateImport checks the database header and derives the block size
// from its page-size field (bytes 16-17 big endian, 1 meaning 65536).
func validateImport(data []byte) (int64, error) {
	if len(data) < 512 {
		return 0, fmt.Errorf("import: %d bytes is below the minimum page size: %w", len(data), vfs.ErrInvalidState)
	}
	if !bytes.HasPrefix(data, sqlite3Header) {
		return 0, fmt.Errorf("import: missing database header: %w", vfs.ErrInvalidState)
	}

	pageSize := int64(binary.BigEndian.Uint16(data[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if !validBlockSize(pageSize) {
		return 0, fmt.Errorf("import: page size %d out of range: %w", pageSize, vfs.ErrInvalidState)
	}
	if int64(len(data))%pageSize != 0 {
		return 0, fmt.Errorf("import: %d bytes is not a multiple of page size %d: %w",
			len(data), pageSize, vfs.ErrInvalidState)
	}
	return pageSize, nil
}

func validBlockSize(size int64) bool {
	return size >= 512 && size <= 65536 && size&(size-1) == 0
}

// ExportFile returns a copy of name's current in-memory content, including
// writes not yet flushed.
func (m *Mirror) ExportFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("export %q: %w", name, vfs.ErrNotFound)
	}

	out := make([]byte, f.img.size())
	f.img.read(out, 0)
	return out, nil
}

// Close drains the flusher and closes the store. Snapshots already enqueued
// are flushed; dirty state never handed to sync() is dropped, matching the
// relaxed durability contract.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.requests)
	m.mu.Unlock()

	<-m.flushed
	return m.store.Close()
}
