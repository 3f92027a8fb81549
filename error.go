package epore

import "errors"

// Caller logic errors, kept distinct from wrapped OS failures so callers
// and tests can tell the two apart.
var (
	// ErrEmptyInterest is returned when an Interest names neither Readable
	// nor Writable; such a registration would never report anything.
	ErrEmptyInterest = errors.New("interest must include readable or writable")
	// ErrAlreadyRegistered is returned by Register for a descriptor that is
	// already tracked on this queue. Changing existing interest goes through
	// Modify, never through a second Register.
	ErrAlreadyRegistered = errors.New("descriptor already registered")
	// ErrNotRegistered is returned by Modify and Deregister for a descriptor
	// the queue is not tracking.
	ErrNotRegistered = errors.New("descriptor not registered")
	// ErrConcurrentWait is returned when a second goroutine enters Wait
	// while another wait on the same queue is still in progress.
	ErrConcurrentWait = errors.New("another wait is already in progress")
	// ErrPollerClosed is returned by Wait after Close.
	ErrPollerClosed = errors.New("poller is closed")
)
