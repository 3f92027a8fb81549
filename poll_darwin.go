package epore

import (
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"os"
	"sync"
	"time"
)

// queueHandle is the state shared between a Poll and every Registry cloned
// from it: the raw kqueue descriptor, a reference count, and the
// fd->registration bookkeeping. kqueue's EV_ADD silently replaces an
// existing filter and its udata field is not portable across the BSDs, so
// unlike the epoll backend this one tracks registrations itself. The mutex
// guards only that map, never the kevent calls.
type queueHandle struct {
	fd   int
	refs *atomic.Int32

	mu   sync.Mutex
	regs map[int]registration
}

type registration struct {
	tok      Token
	interest Interest
}

func (h *queueHandle) release() error {
	if h.refs.Dec() > 0 {
		return nil
	}
	err := os.NewSyscallError("close", unix.Close(h.fd))
	if err != nil {
		log.Error().Msgf("got error while closing kqueue: %+v", err)
	}
	return err
}

func (h *queueHandle) lookup(fd int) (Token, bool) {
	h.mu.Lock()
	reg, ok := h.regs[fd]
	h.mu.Unlock()
	return reg.tok, ok
}

// Poll owns a kqueue instance and exposes the blocking wait over it. Only
// one goroutine may be inside Wait at a time; interest mutation is routed
// through Registry handles instead, which stay usable concurrently with a
// blocked Wait.
type Poll struct {
	reg     *Registry
	waiting *atomic.Bool
	closed  *atomic.Bool
}

// NewPoll creates a new kqueue instance.
func NewPoll() (*Poll, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	handle := &queueHandle{
		fd:   fd,
		refs: atomic.NewInt32(1),
		regs: make(map[int]registration),
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
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var ts *unix.Timespec
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			spec := unix.NsecToTimespec(int64(remaining))
			ts = &spec
		}
		n, err := unix.Kevent(p.reg.handle.fd, nil, evs.sys, ts)
		if err == unix.EINTR {
			if timeout >= 0 && time.Until(deadline) <= 0 {
				return 0, nil
			}
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("kevent", err)
		}
		for i := 0; i < n; i++ {
			sys := &evs.sys[i]
			tok, ok := p.reg.handle.lookup(int(sys.Ident))
			if !ok {
				// deregistered between the kernel queuing the event
				// and us draining it
				continue
			}
			evs.list = append(evs.list, Event{Token: tok, flags: readiness(sys)})
		}
		return len(evs.list), nil
	}
}

// Close releases the Poll's reference to the kqueue descriptor. Registry
// handles still open keep the descriptor alive until they are closed too.
func (p *Poll) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	return p.reg.handle.release()
}

// Registry mutates one queue's interest set. All handles cloned from the
// same Poll target the same kqueue instance; each control call is a single
// syscall whose atomicity the kernel guarantees. The only locking is around
// the handle's own fd->token map.
type Registry struct {
	handle *queueHandle
	closed *atomic.Bool
}

// Register starts tracking fd for the given interest, reporting readiness
// under tok on future waits. Registering an already-tracked descriptor
// fails with ErrAlreadyRegistered rather than replacing the old interest.
func (r *Registry) Register(fd int, tok Token, interest Interest) error {
	if !interest.IsReadable() && !interest.IsWritable() {
		return ErrEmptyInterest
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("register fd: %d token: %d", fd, tok)
	}
	h := r.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.regs[fd]; ok {
		return ErrAlreadyRegistered
	}
	if err := h.apply(fd, interest); err != nil {
		return err
	}
	h.regs[fd] = registration{tok: tok, interest: interest}
	return nil
}

// Modify replaces the interest of an already-registered descriptor. The
// token is supplied again and replaces the stored one; pass the original
// token to keep the correlation unchanged. Fails with ErrNotRegistered for
// a descriptor that was never registered.
func (r *Registry) Modify(fd int, tok Token, interest Interest) error {
	if !interest.IsReadable() && !interest.IsWritable() {
		return ErrEmptyInterest
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("modify fd: %d token: %d", fd, tok)
	}
	h := r.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	old, ok := h.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	// EV_ADD upserts, so install the new filters before removing the stale
	// ones; a failure here leaves the old registration fully intact instead
	// of a half-deregistered descriptor
	if err := h.apply(fd, interest); err != nil {
		return err
	}
	h.regs[fd] = registration{tok: tok, interest: interest}
	return h.dropStale(fd, old.interest, interest)
}

// Deregister stops tracking fd entirely; later waits never report it. The
// descriptor must still be open when this is called, so deregister before
// closing the resource, never after.
func (r *Registry) Deregister(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("deregister fd: %d", fd)
	}
	h := r.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.regs[fd]; !ok {
		return ErrNotRegistered
	}
	if err := h.drop(fd); err != nil {
		return err
	}
	delete(h.regs, fd)
	return nil
}

// Clone returns another handle to the same queue. The clone holds its own
// reference and is closed independently; closing it never closes the shared
// kqueue descriptor while other handles remain open.
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

// apply installs the read/write filters implied by interest. Called with
// the handle mutex held.
func (h *queueHandle) apply(fd int, interest Interest) error {
	flags := unix.EV_ADD | unix.EV_ENABLE
	if interest.IsEdge() {
		flags |= unix.EV_CLEAR
	}
	changes := make([]unix.Kevent_t, 0, 2)
	if interest.IsReadable() {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_READ, flags)
		changes = append(changes, kev)
	}
	if interest.IsWritable() {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, flags)
		changes = append(changes, kev)
	}
	_, err := unix.Kevent(h.fd, changes, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// drop removes both filters for fd, tolerating the ones that were never
// installed. Called with the handle mutex held.
func (h *queueHandle) drop(fd int) error {
	for _, filter := range []int{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		if err := h.dropFilter(fd, filter); err != nil {
			return err
		}
	}
	return nil
}

// dropStale removes the filters the previous interest had but the new one
// does not. Called with the handle mutex held.
func (h *queueHandle) dropStale(fd int, prev, next Interest) error {
	if prev.IsReadable() && !next.IsReadable() {
		if err := h.dropFilter(fd, unix.EVFILT_READ); err != nil {
			return err
		}
	}
	if prev.IsWritable() && !next.IsWritable() {
		if err := h.dropFilter(fd, unix.EVFILT_WRITE); err != nil {
			return err
		}
	}
	return nil
}

func (h *queueHandle) dropFilter(fd, filter int) error {
	var kev unix.Kevent_t
	unix.SetKevent(&kev, fd, filter, unix.EV_DELETE)
	_, err := unix.Kevent(h.fd, []unix.Kevent_t{kev}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent delete", err)
	}
	return nil
}

func readiness(sys *unix.Kevent_t) uint32 {
	var flags uint32
	switch sys.Filter {
	case unix.EVFILT_READ:
		flags |= eventReadable
	case unix.EVFILT_WRITE:
		flags |= eventWritable
	}
	if sys.Flags&unix.EV_EOF != 0 {
		flags |= eventClosed
	}
	if sys.Flags&unix.EV_ERROR != 0 {
		flags |= eventError
	}
	return flags
}

// Events is a caller-allocated, reusable buffer for one wait's results.
// Its capacity bounds how many events a single Wait can report; prior
// contents are overwritten on each call.
type Events struct {
	list []Event
	sys  []unix.Kevent_t
}

// NewEvents allocates a buffer holding up to capacity events per wait.
func NewEvents(capacity int) *Events {
	if capacity < 1 {
		capacity = defEventsBufferSize
	}
	return &Events{
		list: make([]Event, 0, capacity),
		sys:  make([]unix.Kevent_t, capacity),
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
