// Package vfs defines the pluggable storage-backend contract through which
// an embedded SQL engine performs all file I/O.
//
// The engine issues file operations synchronously, one at a time, from a
// single logical execution context. Backends bridge that synchronous calling
// convention onto hosts whose storage primitives are asynchronous: all host
// asynchrony is confined to an explicit install/bootstrap phase (awaited by
// the application before any database is opened) and to background flush
// tasks whose completion is observed only at sync() boundaries.
//
// The package provides the Backend and File contracts, the Registry that
// routes open requests to named backends, the five-level file lock state
// machine, and the error taxonomy with its mapping to engine status codes.
package vfs

// OpenFlags is the bitmask passed by the engine when opening a file.
//
// The values mirror the engine's open flags so that backends can recover
// the file role (main database, journal, WAL, temporary) from the flags
// persisted alongside a file.
type OpenFlags uint32

const (
	OpenReadOnly      OpenFlags = 0x00000001
	OpenReadWrite     OpenFlags = 0x00000002
	OpenCreate        OpenFlags = 0x00000004
	OpenDeleteOnClose OpenFlags = 0x00000008
	OpenExclusive     OpenFlags = 0x00000010

	OpenMainDB       OpenFlags = 0x00000100
	OpenTempDB       OpenFlags = 0x00000200
	OpenTransientDB  OpenFlags = 0x00000400
	OpenMainJournal  OpenFlags = 0x00000800
	OpenTempJournal  OpenFlags = 0x00001000
	OpenSubJournal   OpenFlags = 0x00002000
	OpenSuperJournal OpenFlags = 0x00004000
	OpenWAL          OpenFlags = 0x00080000
)

// PersistentFileTypes are the roles whose content must survive a restart.
// Files opened without any of these flags (or with DeleteOnClose) are
// treated as scratch files by persistent backends.
const PersistentFileTypes = OpenMainDB | OpenMainJournal | OpenSuperJournal | OpenWAL

// IsPersistent reports whether flags describe a file that a persistent
// backend must retain across restarts.
func (f OpenFlags) IsPersistent() bool {
	return f&OpenDeleteOnClose == 0 && f&PersistentFileTypes != 0
}

// AccessFlag selects what Access() should test for.
type AccessFlag int

const (
	// AccessExists tests whether the file exists at all.
	AccessExists AccessFlag = 0

	// AccessReadWrite tests whether the file exists and is writable.
	AccessReadWrite AccessFlag = 1
)

// Device characteristic bits reported by DeviceCharacteristics.
// Only the bits meaningful to the provided backends are defined.
const (
	// IocapUndeletableWhenOpen signals that files cannot be removed from
	// under an open handle (true for the pooled-handle backend, where the
	// handle is held for the pool's lifetime).
	IocapUndeletableWhenOpen = 0x00000800
)

// DefaultSectorSize is reported by backends that have no meaningful
// hardware sector, matching the engine's assumed minimum.
const DefaultSectorSize = 512

// File is an open file within a backend.
//
// Every method is strictly synchronous: implementations must never block on
// host asynchrony. If a backend cannot satisfy an operation synchronously,
// that is a bootstrapping defect, not a runtime condition.
type File interface {
	// ReadAt reads len(p) bytes at offset off. Reads beyond the written
	// length zero-fill the remainder of p and return the number of stored
	// bytes actually copied with a nil error; the dispatch layer reports
	// the short read to the engine.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes len(p) bytes at offset off, extending the file as
	// needed. It never suspends.
	WriteAt(p []byte, off int64) (int, error)

	// Truncate sets the logical file size.
	Truncate(size int64) error

	// Sync is the engine's durability checkpoint. Backends with relaxed
	// durability may return before data is actually durable.
	Sync() error

	// Size returns the current logical file size.
	Size() (int64, error)

	// Lock upgrades this handle's lock to the requested level.
	// A conflicting level held by another handle fails with ErrBusy.
	Lock(level LockLevel) error

	// Unlock downgrades this handle's lock to the requested level.
	// Downgrading to LockNone always succeeds.
	Unlock(level LockLevel) error

	// CheckReservedLock reports whether any handle on this file holds a
	// lock at LockReserved or higher.
	CheckReservedLock() (bool, error)

	// SectorSize returns the backend's sector size.
	SectorSize() int

	// DeviceCharacteristics returns the backend's IOCAP bits.
	DeviceCharacteristics() int

	// Close releases the handle. Files opened with OpenDeleteOnClose are
	// removed from the backend.
	Close() error
}

// Backend is a named storage implementation registered with a Registry.
//
// Open and the name-based operations must complete without suspending;
// any asynchronous preparation (handle acquisition, preloading) happens in
// the backend's install phase before it is registered.
type Backend interface {
	// Open opens or creates the named file. Backends return the effective
	// flags alongside the file (some backends force flags, e.g. persistent
	// pools ignore DeleteOnClose persistence).
	Open(name string, flags OpenFlags) (File, OpenFlags, error)

	// Delete removes the named file. syncDir requests that the removal
	// itself be made durable before returning, where the backend can
	// honor that synchronously.
	Delete(name string, syncDir bool) error

	// Access tests for existence or writability of the named file.
	Access(name string, flag AccessFlag) (bool, error)

	// FullPathname canonicalizes a client filename.
	FullPathname(name string) (string, error)
}
