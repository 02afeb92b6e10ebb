package blockmirror

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedql/vfskit/pkg/vfs"
)

func newTestMirror(t *testing.T, dir string) *Mirror {
	t.Helper()
	m, err := New(context.Background(), Config{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// flushAndWait snapshots name and blocks until the background commit lands.
func flushAndWait(t *testing.T, m *Mirror, name string) {
	t.Helper()
	commit, err := m.flushFile(name)
	require.NoError(t, err)
	if commit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, commit.Wait(ctx))
}

// page returns a 4096-byte block filled with b.
func page(b byte) []byte {
	p := make([]byte, 4096)
	for i := range p {
		p[i] = b
	}
	return p
}

// TestMirrorPersistence verifies that synced writes survive into a fresh
// mirror over the same store while unsynced writes are lost, per the
// relaxed durability contract.
func TestMirrorPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	_, err = f.WriteAt(page(0xA1), 0)
	require.NoError(t, err)
	_, err = f.WriteAt(page(0xA2), 4096)
	require.NoError(t, err)
	flushAndWait(t, m, "app.db")

	// This write is never synced and must not survive.
	_, err = f.WriteAt(page(0xEE), 8192)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()

	data, err := m2.ExportFile("app.db")
	require.NoError(t, err)
	require.Len(t, data, 8192)
	assert.Equal(t, page(0xA1), data[:4096])
	assert.Equal(t, page(0xA2), data[4096:])
}

// TestMirrorOverwrite verifies that rewriting a block after a commit
// persists the newest content, and that a snapshot copies block payloads so
// writes racing a flush cannot leak into it.
func TestMirrorOverwrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	_, err = f.WriteAt(page(0x01), 0)
	require.NoError(t, err)
	flushAndWait(t, m, "app.db")

	_, err = f.WriteAt(page(0x02), 0)
	require.NoError(t, err)
	flushAndWait(t, m, "app.db")

	// A clean file has nothing to flush.
	commit, err := m.flushFile("app.db")
	require.NoError(t, err)
	assert.Nil(t, commit)

	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()

	data, err := m2.ExportFile("app.db")
	require.NoError(t, err)
	assert.Equal(t, page(0x02), data)
}

// TestMirrorOverlappingFlush verifies the no-lost-update ordering: a write
// issued while the previous snapshot is still in flight re-dirties the
// block, the next sync carries it, and the store ends up with the newest
// content once both commits land.
func TestMirrorOverlappingFlush(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	_, err = f.WriteAt(page(0xA0), 0)
	require.NoError(t, err)
	first, err := m.flushFile("app.db")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Overwrite the same block before the first commit is awaited.
	_, err = f.WriteAt(page(0xB0), 0)
	require.NoError(t, err)
	second, err := m.flushFile("app.db")
	require.NoError(t, err)
	require.NotNil(t, second)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(waitCtx))
	require.NoError(t, second.Wait(waitCtx))

	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()

	data, err := m2.ExportFile("app.db")
	require.NoError(t, err)
	assert.Equal(t, page(0xB0), data)
}

// TestMirrorClosedHandle verifies that I/O on a closed handle fails with
// ErrInvalidState instead of silently touching the image.
func TestMirrorClosedHandle(t *testing.T) {
	m := newTestMirror(t, t.TempDir())
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt(page(0x0C), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close()) // closing twice is a no-op

	_, err = f.ReadAt(make([]byte, 4), 0)
	assert.ErrorIs(t, err, vfs.ErrInvalidState)
	_, err = f.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, vfs.ErrInvalidState)
	assert.ErrorIs(t, f.Truncate(0), vfs.ErrInvalidState)

	// The file itself is untouched and reachable through a new handle.
	g, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite)
	require.NoError(t, err)
	defer g.Close()
	size, err := g.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
}

// TestMirrorTruncate verifies that truncation reaches the store even when
// no block is dirty.
func TestMirrorTruncate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	_, err = f.WriteAt(page(0x11), 0)
	require.NoError(t, err)
	_, err = f.WriteAt(page(0x22), 4096)
	require.NoError(t, err)
	flushAndWait(t, m, "app.db")

	require.NoError(t, f.Truncate(4096))
	flushAndWait(t, m, "app.db")

	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()

	data, err := m2.ExportFile("app.db")
	require.NoError(t, err)
	assert.Equal(t, page(0x11), data)
}

// TestMirrorReadSemantics verifies zero-fill reads and the short-read count.
func TestMirrorReadSemantics(t *testing.T) {
	m := newTestMirror(t, t.TempDir())
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	// Sparse write: block 0 is never touched.
	_, err = f.WriteAt(page(0x33), 4096)
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), size)

	// The untouched gap stops the copy; the rest of the buffer is zeroed.
	p := make([]byte, 4096)
	n, err := f.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, make([]byte, 4096), p)

	n, err = f.ReadAt(p, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, page(0x33), p)

	// Reading past the end returns nothing.
	n, err = f.ReadAt(p, 100000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestMirrorBlockSizePinning verifies that the block size is fixed by the
// first write and cannot change once blocks exist.
func TestMirrorBlockSizePinning(t *testing.T) {
	m := newTestMirror(t, t.TempDir())
	backend := NewBackend(m)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	// Before any write the size can still be chosen.
	require.NoError(t, m.SetBlockSize("app.db", 8192))
	require.NoError(t, m.SetBlockSize("app.db", 512))
	assert.ErrorIs(t, m.SetBlockSize("app.db", 100), vfs.ErrInvalidState)
	assert.ErrorIs(t, m.SetBlockSize("app.db", 3000), vfs.ErrInvalidState)

	_, err = f.WriteAt(make([]byte, 512), 0)
	require.NoError(t, err)

	// Re-asserting the pinned size is fine, changing it is not.
	require.NoError(t, m.SetBlockSize("app.db", 512))
	assert.ErrorIs(t, m.SetBlockSize("app.db", 4096), vfs.ErrInvalidState)

	assert.ErrorIs(t, m.SetBlockSize("nope.db", 512), vfs.ErrNotFound)
}

// TestMirrorScratchFiles verifies that journals live in linear buffers and
// never reach the store.
func TestMirrorScratchFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	j, _, err := backend.Open("app.db-journal", vfs.OpenMainJournal|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)

	_, err = j.WriteAt([]byte("rollback data"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Sync())

	got := make([]byte, 13)
	n, err := j.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("rollback data"), got[:n])

	exists, err := backend.Access("app.db-journal", vfs.AccessExists)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, backend.Delete("app.db-journal", false))
	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()
	assert.False(t, m2.Exists("app.db-journal"))
}

// TestMirrorDelete verifies that deletion removes persisted state.
func TestMirrorDelete(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("gone.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt(page(0x44), 0)
	require.NoError(t, err)
	flushAndWait(t, m, "gone.db")

	commit, err := m.DeleteFile("gone.db")
	require.NoError(t, err)
	require.NotNil(t, commit)
	require.NoError(t, commit.Wait(ctx))

	assert.False(t, m.Exists("gone.db"))
	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()
	assert.False(t, m2.Exists("gone.db"))
}

// TestMirrorImport verifies image validation and that the block size is
// taken from the image's page-size field.
func TestMirrorImport(t *testing.T) {
	m := newTestMirror(t, t.TempDir())

	image := make([]byte, 1024)
	copy(image, sqlite3Header)
	binary.BigEndian.PutUint16(image[16:18], 512)
	image[600] = 0x77

	_, err := m.ImportFile("in.db", image[:100])
	assert.ErrorIs(t, err, vfs.ErrInvalidState)

	noMagic := append([]byte(nil), image...)
	noMagic[0] = 'X'
	_, err = m.ImportFile("in.db", noMagic)
	assert.ErrorIs(t, err, vfs.ErrInvalidState)

	ragged := append([]byte(nil), image...)
	_, err = m.ImportFile("in.db", ragged[:768])
	assert.ErrorIs(t, err, vfs.ErrInvalidState)

	commit, err := m.ImportFile("in.db", image)
	require.NoError(t, err)
	require.NotNil(t, commit)
	require.NoError(t, commit.Wait(context.Background()))

	out, err := m.ExportFile("in.db")
	require.NoError(t, err)
	assert.Equal(t, image, out)

	// The pinned block size came from the header.
	assert.ErrorIs(t, m.SetBlockSize("in.db", 4096), vfs.ErrInvalidState)
	require.NoError(t, m.SetBlockSize("in.db", 512))

	_, err = m.ImportFile("in.db", image)
	assert.ErrorIs(t, err, vfs.ErrExists)
}

// TestMirrorWipe verifies that a wipe clears memory and store alike.
func TestMirrorWipe(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	backend := NewBackend(m)

	f, _, err := backend.Open("a.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt(page(0x55), 0)
	require.NoError(t, err)
	flushAndWait(t, m, "a.db")

	commit, err := m.Wipe()
	require.NoError(t, err)
	require.NoError(t, commit.Wait(ctx))

	assert.Empty(t, m.FileNames())
	require.NoError(t, m.Close())

	m2, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer m2.Close()
	assert.Empty(t, m2.FileNames())
}
