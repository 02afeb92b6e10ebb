package vfs

import "errors"

// Standard backend errors.
//
// These sentinels give every backend a consistent way to signal common
// failure conditions. The dispatch layer never substitutes a generic error
// for a specific one: backend errors propagate unchanged, and StatusOf maps
// them to engine status codes only at the FFI boundary.
//
// Implementations wrap these with context:
//
//	if slot == nil {
//	    return fmt.Errorf("open %q: %w", name, vfs.ErrFull)
//	}
var (
	// ErrNotFound indicates the requested file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrExists indicates a name collision, e.g. registering a backend
	// under a name that is already taken.
	ErrExists = errors.New("already exists")

	// ErrBusy indicates a handle or pool is unavailable: a lock conflict,
	// or a paused pool whose underlying handles are released.
	ErrBusy = errors.New("resource busy")

	// ErrIO indicates a generic backend I/O failure.
	ErrIO = errors.New("i/o error")

	// ErrFull indicates capacity, quota, or slot exhaustion.
	// Install-style entrypoints return this (rather than ErrCorrupt) for
	// quota/permission failures so callers know a retry may succeed.
	ErrFull = errors.New("storage full")

	// ErrCorrupt indicates recovered metadata is inconsistent with actual
	// slot or block contents. Callers should wipe and recreate the
	// backing store rather than retry.
	ErrCorrupt = errors.New("store corrupt")

	// ErrInvalidState indicates an operation on an unopened file or an
	// illegal lock transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupported indicates an operation the backend does not implement.
	ErrUnsupported = errors.New("operation not supported")
)

// Status is an engine status code as surfaced through the file-operation
// contract. The numeric values match the engine's result codes.
type Status int

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusBusy     Status = 5
	StatusIOErr    Status = 10
	StatusCorrupt  Status = 11
	StatusNotFound Status = 12
	StatusFull     Status = 13
	StatusCantOpen Status = 14
	StatusMisuse   Status = 21

	// StatusIOErrShortRead is the extended code for a read that returned
	// fewer bytes than requested (the tail is zero-filled).
	StatusIOErrShortRead Status = StatusIOErr | 2<<8
)

// StatusOf maps a backend error to the engine status code that the dispatch
// layer reports across the FFI boundary. A nil error maps to StatusOK.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrFull):
		return StatusFull
	case errors.Is(err, ErrCorrupt):
		return StatusCorrupt
	case errors.Is(err, ErrInvalidState):
		return StatusMisuse
	case errors.Is(err, ErrUnsupported):
		return StatusError
	case errors.Is(err, ErrIO):
		return StatusIOErr
	default:
		return StatusIOErr
	}
}

// OpenStatusOf is like StatusOf but reports open failures as CANTOPEN,
// matching the engine's expectation for xOpen.
func OpenStatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, ErrBusy) {
		return StatusBusy
	}
	if errors.Is(err, ErrFull) {
		return StatusFull
	}
	return StatusCantOpen
}
