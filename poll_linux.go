package epore

import (
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"os"
	"syscall"
	"time"
	"unsafe"
)

const (
	readEvents   = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents  = unix.EPOLLOUT
	closedEvents = unix.EPOLLHUP | unix.EPOLLRDHUP
)

// queueHandle is the one piece of state genuinely shared between a Poll and
// every Registry cloned from it: the raw epoll descriptor plus a reference
// count. The descriptor is closed exactly once, by whoever drops the last
// reference.
type queueHandle struct {
	fd   int
	refs *atomic.Int32
}

func (h *queueHandle) release() error {
	if h.refs.Dec() > 0 {
		return nil
	}
	err := os.NewSyscallError("close", unix.Close(h.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
	}
	return err
}

// Poll owns an epoll instance and exposes the blocking wait over it. Only
// one goroutine may be inside Wait at a time; interest mutation is routed
// through Registry handles instead, which stay usable concurrently with a
// blocked Wait.
type Poll struct {
	reg     *Registry
	waiting *atomic.Bool
	closed  *atomic.Bool
}

// NewPoll creates a new epoll instance.
func NewPoll() (*Poll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	handle := &queueHandle{
		fd:   fd,
		refs: atomic.NewInt32(1),
	}
	return &Poll{
		reg:     &Registry{handle: handle, closed: atomic.NewBool(false)},
		waiting: atomic.NewBool(false),
		closed:  atomic.NewBool(false),
	}, nil
}

// Registry returns a new handle for mutating this queue's interest set. The
// handle holds its own reference to the queue and must be closed by the
// caller; it may be passed to and cloned on other goroutines freely.
func (p *Poll) Registry() *Registry {
	return p.reg.Clone()
}

// Wait blocks until at least one registered descriptor satisfies its
// interest, the timeout elapses, or a spurious wakeup occurs, then reports
// the number of events written into evs. A negative timeout (NoTimeout)
// blocks indefinitely, zero polls and returns immediately, and a timeout
// expiring is the zero-event success case, not an error. Callers must
// tolerate zero events even without a timeout. A wait interrupted by a
// signal is retried with the remaining budget. Only one goroutine may wait
// on a given Poll at a time.
func (p *Poll) Wait(evs *Events, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	if !p.waiting.CAS(false, true) {
		return 0, ErrConcurrentWait
	}
	defer p.waiting.Store(false)

	evs.Clear()
	msec := -1
	var deadline time.Time
	if timeout >= 0 {
		msec = durationToMsec(timeout)
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := epollWait(p.reg.handle.fd, evs.sys, msec)
		if err == unix.EINTR {
			if timeout < 0 {
				continue
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}
			msec = durationToMsec(remaining)
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("epoll_pwait", err)
		}
		for i := 0; i < n; i++ {
			evs.list = append(evs.list, Event{
				Token: eventToken(&evs.sys[i]),
				flags: readiness(evs.sys[i].Events),
			})
		}
		return n, nil
	}
}

// Close releases the Poll's reference to the epoll descriptor. Registry
// handles still open keep the descriptor alive until they are closed too.
func (p *Poll) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	return p.reg.handle.release()
}

// Registry mutates one queue's interest set. All handles cloned from the
// same Poll target the same epoll instance; each control call is a single
// syscall whose atomicity the kernel guarantees, so no lock is taken here
// and none is needed to use clones from different goroutines concurrently
// with a blocked Wait.
type Registry struct {
	handle *queueHandle
	closed *atomic.Bool
}

// Register starts tracking fd for the given interest, reporting readiness
// under tok on future waits. Registering an already-tracked descriptor
// fails with ErrAlreadyRegistered rather than replacing the old interest.
func (r *Registry) Register(fd int, tok Token, interest Interest) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("register fd: %d token: %d", fd, tok)
	}
	return r.ctl(unix.EPOLL_CTL_ADD, "epoll_ctl add", fd, tok, interest)
}

// Modify replaces the interest of an already-registered descriptor. The
// token is supplied again and replaces the stored one; pass the original
// token to keep the correlation unchanged. Fails with ErrNotRegistered for
// a descriptor that was never registered.
func (r *Registry) Modify(fd int, tok Token, interest Interest) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("modify fd: %d token: %d", fd, tok)
	}
	return r.ctl(unix.EPOLL_CTL_MOD, "epoll_ctl mod", fd, tok, interest)
}

// Deregister stops tracking fd entirely; later waits never report it. The
// descriptor must still be open when this is called, so deregister before
// closing the resource, never after.
func (r *Registry) Deregister(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("deregister fd: %d", fd)
	}
	err := unix.EpollCtl(r.handle.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return ErrNotRegistered
	}
	return os.NewSyscallError("epoll_ctl del", err)
}

// Clone returns another handle to the same queue. The clone holds its own
// reference and is closed independently; closing it never closes the shared
// epoll descriptor while other handles remain open.
func (r *Registry) Clone() *Registry {
	r.handle.refs.Inc()
	return &Registry{handle: r.handle, closed: atomic.NewBool(false)}
}

// Close drops this handle's reference to the queue.
func (r *Registry) Close() error {
	if !r.closed.CAS(false, true) {
		return nil
	}
	return r.handle.release()
}

func (r *Registry) ctl(op int, name string, fd int, tok Token, interest Interest) error {
	if !interest.IsReadable() && !interest.IsWritable() {
		return ErrEmptyInterest
	}
	event := unix.EpollEvent{Events: interest.epollEvents()}
	putToken(&event, tok)
	err := unix.EpollCtl(r.handle.fd, op, fd, &event)
	if err == unix.EEXIST {
		return ErrAlreadyRegistered
	}
	if err == unix.ENOENT {
		return ErrNotRegistered
	}
	return os.NewSyscallError(name, err)
}

func (i Interest) epollEvents() uint32 {
	var events uint32
	if i.IsReadable() {
		events |= uint32(readEvents)
	}
	if i.IsWritable() {
		events |= uint32(writeEvents)
	}
	if i.IsEdge() {
		events |= uint32(unix.EPOLLET)
	}
	return events
}

func readiness(events uint32) uint32 {
	var flags uint32
	if events&uint32(readEvents) != 0 {
		flags |= eventReadable
	}
	if events&uint32(writeEvents) != 0 {
		flags |= eventWritable
	}
	if events&uint32(closedEvents) != 0 {
		flags |= eventClosed
	}
	if events&uint32(unix.EPOLLERR) != 0 {
		flags |= eventError
	}
	return flags
}

// The 64 bits of epoll_data carry the token, split across the Fd and Pad
// fields of the x/sys event struct.
func putToken(ev *unix.EpollEvent, tok Token) {
	ev.Fd = int32(uint32(tok))
	ev.Pad = int32(uint32(tok >> 32))
}

func eventToken(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}

// Events is a caller-allocated, reusable buffer for one wait's results.
// Its capacity bounds how many events a single Wait can report; prior
// contents are overwritten on each call.
type Events struct {
	list []Event
	sys  []unix.EpollEvent
}

// NewEvents allocates a buffer holding up to capacity events per wait.
func NewEvents(capacity int) *Events {
	if capacity < 1 {
		capacity = defEventsBufferSize
	}
	return &Events{
		list: make([]Event, 0, capacity),
		sys:  make([]unix.EpollEvent, capacity),
	}
}

func (evs *Events) Len() int {
	return len(evs.list)
}

func (evs *Events) Get(i int) Event {
	return evs.list[i]
}

// All returns the events of the most recent wait; the slice is only valid
// until the buffer is passed to Wait again.
func (evs *Events) All() []Event {
	return evs.list
}

func (evs *Events) Clear() {
	evs.list = evs.list[:0]
}

func durationToMsec(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	// round up so a sub-millisecond remainder still blocks briefly
	// instead of spinning
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(r0), err
}
