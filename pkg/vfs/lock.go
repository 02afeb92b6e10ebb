package vfs

import (
	"fmt"
	"sync"
)

// LockLevel is one of the five engine lock levels, ordered
// None < Shared < Reserved < Pending < Exclusive.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockLevel(%d)", int(l))
	}
}

// lockUpgrades is the explicit transition table for Lock() requests.
// lockUpgrades[from][to] is true when the engine is allowed to request the
// upgrade at all; whether it succeeds then depends on what other handles
// hold. Anything outside this table is a protocol violation and fails with
// ErrInvalidState.
//
// The engine never jumps from unlocked past Shared, and Pending is only
// reachable from a read lock on the way to Exclusive.
var lockUpgrades = [5][5]bool{
	LockNone:      {LockShared: true},
	LockShared:    {LockReserved: true, LockPending: true, LockExclusive: true},
	LockReserved:  {LockPending: true, LockExclusive: true},
	LockPending:   {LockExclusive: true},
	LockExclusive: {},
}

// FileLock tracks the aggregate lock state of one logical file. One
// instance is shared by every handle referencing that file within the
// process; it is the only concurrency control the backends provide, since
// true multi-process locking is unavailable in the host environment.
//
// The model mirrors the engine's: any number of handles may hold Shared,
// and at most one handle (the writer) may hold Reserved, Pending, or
// Exclusive. A handle holding a write-side level retains its shared
// membership. A failed upgrade leaves the state unchanged.
type FileLock struct {
	mu sync.Mutex

	// shared counts handles holding LockShared or above.
	shared int

	// writer is LockNone, or the single elevated level held by exactly
	// one handle.
	writer LockLevel
}

// Acquire upgrades a handle from level cur to level want. cur must be the
// level this handle actually holds; the caller updates its own record only
// on success.
func (fl *FileLock) Acquire(cur, want LockLevel) error {
	if want <= cur {
		// Re-requesting a level already held is a no-op.
		return nil
	}
	if !lockUpgrades[cur][want] {
		return fmt.Errorf("lock upgrade %s -> %s: %w", cur, want, ErrInvalidState)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// A handle at Reserved or above is, by the single-writer invariant,
	// the one recorded in fl.writer. Any other handle asking for a
	// write-side level conflicts with it.
	isWriter := cur >= LockReserved

	switch want {
	case LockShared:
		if fl.writer >= LockPending {
			return fmt.Errorf("lock %s: writer at %s: %w", want, fl.writer, ErrBusy)
		}
		fl.shared++

	case LockReserved, LockPending:
		if fl.writer != LockNone && !isWriter {
			return fmt.Errorf("lock %s: writer at %s: %w", want, fl.writer, ErrBusy)
		}
		fl.writer = want

	case LockExclusive:
		if fl.writer != LockNone && !isWriter {
			return fmt.Errorf("lock %s: writer at %s: %w", want, fl.writer, ErrBusy)
		}
		if fl.shared > 1 {
			// Other handles still hold read locks.
			return fmt.Errorf("lock %s: %d other readers: %w", want, fl.shared-1, ErrBusy)
		}
		fl.writer = LockExclusive
	}

	return nil
}

// Release downgrades a handle from level cur to level want. Only LockShared
// and LockNone are valid targets; dropping to LockNone always succeeds.
func (fl *FileLock) Release(cur, want LockLevel) error {
	if want > LockShared {
		return fmt.Errorf("unlock to %s: %w", want, ErrInvalidState)
	}
	if want >= cur {
		return nil
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if cur >= LockReserved {
		fl.writer = LockNone
	}
	if want == LockNone && cur >= LockShared && fl.shared > 0 {
		fl.shared--
	}
	return nil
}

// CheckReserved reports whether any handle holds LockReserved or higher.
func (fl *FileLock) CheckReserved() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.writer != LockNone
}
