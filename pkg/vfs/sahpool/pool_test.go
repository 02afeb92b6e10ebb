package sahpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedql/vfskit/pkg/vfs"
)

func newTestPool(t *testing.T, dir string, capacity int) *Pool {
	t.Helper()
	pool, err := New(context.Background(), Config{Directory: dir, Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// dbImage builds a minimal well-formed database image of n 512-byte units,
// with the WAL read/write version bytes set so imports can be checked for
// journal-mode normalization.
func dbImage(units int, versions byte) []byte {
	data := make([]byte, units*512)
	copy(data, sqlite3Header)
	data[16] = 0x10 // page size 4096
	data[17] = 0x00
	data[18] = versions
	data[19] = versions
	return data
}

// TestPoolOpenWriteRead verifies the basic content path through a slot.
func TestPoolOpenWriteRead(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 2)
	backend := NewBackend(pool)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("page one contents")
	_, err = f.WriteAt(payload, 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	got := make([]byte, len(payload)+4)
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got[:n])
	assert.Equal(t, []byte{0, 0, 0, 0}, got[n:])

	// Opening a second handle reaches the same slot.
	f2, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite)
	require.NoError(t, err)
	defer f2.Close()
	n, err = f2.ReadAt(got[:4], 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("page"), got[:n])
}

// TestPoolCapacityExhaustion verifies that the pool never grows inside an
// open: the (capacity+1)th distinct filename fails with ErrFull, and
// explicit AddCapacity lifts the limit.
func TestPoolCapacityExhaustion(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 2)
	backend := NewBackend(pool)

	_, _, err := backend.Open("one.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
	_, _, err = backend.Open("two.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)

	_, _, err = backend.Open("three.db", vfs.OpenMainDB|vfs.OpenCreate)
	assert.ErrorIs(t, err, vfs.ErrFull)
	assert.Equal(t, 2, pool.FileCount())

	total, err := pool.AddCapacity(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, _, err = backend.Open("three.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)

	// Reduce only reclaims free slots; all three are bound now.
	removed, err := pool.ReduceCapacity(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	require.NoError(t, pool.deletePath("three.db"))
	removed, err = pool.ReduceCapacity(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, pool.Capacity())
}

// TestPoolDeleteFreesSlot verifies that delete zeroes the content and
// returns the slot for reuse by a different filename.
func TestPoolDeleteFreesSlot(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 1)
	backend := NewBackend(pool)

	f, _, err := backend.Open("old.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("stale content"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, backend.Delete("old.db", false))
	exists, err := backend.Access("old.db", vfs.AccessExists)
	require.NoError(t, err)
	assert.False(t, exists)

	// The single slot is free again and carries no stale bytes.
	g, _, err := backend.Open("new.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
	defer g.Close()

	size, err := g.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	p := make([]byte, 8)
	n, err := g.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Deleting a name that was never stored is a no-op.
	assert.NoError(t, backend.Delete("ghost.db", false))
}

// TestPoolBootstrapRecovery verifies that a second bootstrap against the
// same directory recovers the filename bindings and content, and that
// running it again yields an identical mapping.
func TestPoolBootstrapRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	pool, err := New(ctx, Config{Directory: dir, Capacity: 3})
	require.NoError(t, err)
	backend := NewBackend(pool)

	f, _, err := backend.Open("keep.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("durable bytes"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	// Scratch files must not survive recovery.
	s, _, err := backend.Open("scratch", vfs.OpenTempDB|vfs.OpenCreate)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, pool.Close())

	for i := 0; i < 2; i++ {
		pool, err = New(ctx, Config{Directory: dir, Capacity: 3})
		require.NoError(t, err)

		assert.Equal(t, 3, pool.Capacity())
		assert.Equal(t, []string{"keep.db"}, pool.FileNames())

		data, err := pool.ExportFile("keep.db")
		require.NoError(t, err)
		assert.Equal(t, []byte("durable bytes"), data)

		require.NoError(t, pool.Close())
	}

	// ClearOnInit discards everything but keeps the slots.
	pool, err = New(ctx, Config{Directory: dir, Capacity: 3, ClearOnInit: true})
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 3, pool.Capacity())
	assert.Equal(t, 0, pool.FileCount())
}

// TestPoolPauseResume verifies that a pool refuses to pause while a handle
// is open, that a paused pool refuses synchronous operations with ErrBusy,
// lets another pool take over the directory, and recovers its mapping on
// resume.
func TestPoolPauseResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	pool := newTestPool(t, dir, 2)
	backend := NewBackend(pool)

	f, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("before pause"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	// Releasing the slots would strand the open handle, so pause refuses.
	assert.ErrorIs(t, pool.Pause(), vfs.ErrBusy)

	// The handle is untouched by the refused pause.
	got := make([]byte, 12)
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("before pause"), got[:n])

	require.NoError(t, f.Close())
	require.NoError(t, f.Close()) // closing twice is a no-op
	require.NoError(t, pool.Pause())
	require.NoError(t, pool.Pause()) // pausing twice is a no-op

	_, _, err = backend.Open("app.db", vfs.OpenMainDB)
	assert.ErrorIs(t, err, vfs.ErrBusy)
	_, err = pool.ExportFile("app.db")
	assert.ErrorIs(t, err, vfs.ErrBusy)

	// While paused, a second pool can acquire the same slots.
	other, err := New(ctx, Config{Directory: dir, Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"app.db"}, other.FileNames())

	// Resume fails while the other pool holds the handles.
	assert.ErrorIs(t, pool.Resume(ctx), vfs.ErrBusy)

	require.NoError(t, other.Close())
	require.NoError(t, pool.Resume(ctx))

	assert.Equal(t, []string{"app.db"}, pool.FileNames())

	// Handles opened after resume are fully live.
	g, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite)
	require.NoError(t, err)
	defer g.Close()
	n, err = g.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("before pause"), got[:n])
	_, err = g.WriteAt([]byte("after resume!"), 0)
	require.NoError(t, err)
	require.NoError(t, g.Sync())
}

// TestPoolLocking verifies the shared lock state across two handles on the
// same slot: concurrent readers, a single writer, and reservation checks.
func TestPoolLocking(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 1)
	backend := NewBackend(pool)

	f1, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	f2, _, err := backend.Open("app.db", vfs.OpenMainDB|vfs.OpenReadWrite)
	require.NoError(t, err)

	require.NoError(t, f1.Lock(vfs.LockShared))
	require.NoError(t, f2.Lock(vfs.LockShared))

	require.NoError(t, f1.Lock(vfs.LockReserved))
	reserved, err := f2.CheckReservedLock()
	require.NoError(t, err)
	assert.True(t, reserved)

	// Only one handle may hold the write side.
	assert.ErrorIs(t, f2.Lock(vfs.LockReserved), vfs.ErrBusy)

	// Exclusive needs the other reader gone.
	assert.ErrorIs(t, f1.Lock(vfs.LockExclusive), vfs.ErrBusy)
	require.NoError(t, f2.Unlock(vfs.LockNone))
	require.NoError(t, f1.Lock(vfs.LockExclusive))

	require.NoError(t, f1.Close())
	reserved, err = f2.CheckReservedLock()
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NoError(t, f2.Close())
}

// TestPoolImportExport verifies image validation, WAL-mode normalization,
// and that imports land in already-bound or free slots.
func TestPoolImportExport(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 1)

	// Rejects malformed images.
	assert.ErrorIs(t, pool.ImportFile("a.db", []byte("too short")), vfs.ErrInvalidState)
	bad := dbImage(2, 1)
	assert.ErrorIs(t, pool.ImportFile("a.db", bad[:700]), vfs.ErrInvalidState)
	noMagic := dbImage(2, 1)
	noMagic[0] = 'X'
	assert.ErrorIs(t, pool.ImportFile("a.db", noMagic), vfs.ErrInvalidState)

	// A WAL-mode image is normalized back to rollback journaling.
	walImage := dbImage(2, 2)
	require.NoError(t, pool.ImportFile("a.db", walImage))

	out, err := pool.ExportFile("a.db")
	require.NoError(t, err)
	require.Len(t, out, len(walImage))
	assert.Equal(t, byte(1), out[18])
	assert.Equal(t, byte(1), out[19])
	assert.Equal(t, walImage[:18], out[:18])
	assert.Equal(t, walImage[20:], out[20:])

	// Re-import over the same name reuses its slot even at capacity.
	require.NoError(t, pool.ImportFile("a.db", dbImage(4, 1)))
	out, err = pool.ExportFile("a.db")
	require.NoError(t, err)
	assert.Len(t, out, 4*512)

	// A second name needs a free slot.
	assert.ErrorIs(t, pool.ImportFile("b.db", dbImage(2, 1)), vfs.ErrFull)
}

// TestPoolWipeFiles verifies that a wipe empties every binding but keeps
// capacity intact.
func TestPoolWipeFiles(t *testing.T) {
	pool := newTestPool(t, t.TempDir(), 2)
	backend := NewBackend(pool)

	_, _, err := backend.Open("one.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
	_, _, err = backend.Open("two.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)

	require.NoError(t, pool.WipeFiles(context.Background()))
	assert.Equal(t, 0, pool.FileCount())
	assert.Equal(t, 2, pool.Capacity())

	_, _, err = backend.Open("three.db", vfs.OpenMainDB|vfs.OpenCreate)
	require.NoError(t, err)
}
