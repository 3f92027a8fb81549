// Package epore is a thin readiness-notification layer over the OS event
// queue: epoll on Linux, kqueue on macOS. It reports when registered
// descriptors become ready; reading and writing them stays with the caller.
package epore

import "time"

const defEventsBufferSize = 32

// NoTimeout makes Poll.Wait block until at least one event arrives.
const NoTimeout = time.Duration(-1)

// Token correlates an event with the registration that produced it. The
// value is chosen by the caller at Register time and carried back verbatim;
// the queue never interprets it. Keeping tokens unique per live registration
// is the caller's job.
type Token uint64

const (
	eventReadable uint32 = 1 << iota
	eventWritable
	eventClosed
	eventError
)

// Event is one readiness occurrence reported by Poll.Wait.
type Event struct {
	Token Token
	flags uint32
}

// Readable reports whether data can be read without blocking.
func (e Event) Readable() bool {
	return e.flags&eventReadable != 0
}

// Writable reports whether data can be written without blocking.
func (e Event) Writable() bool {
	return e.flags&eventWritable != 0
}

// Closed reports that the peer hung up or shut down its end.
func (e Event) Closed() bool {
	return e.flags&eventClosed != 0
}

// Error reports an error condition on the descriptor; the concrete error
// surfaces on the next read or write attempt.
func (e Event) Error() bool {
	return e.flags&eventError != 0
}
