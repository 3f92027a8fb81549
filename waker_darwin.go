package epore

import (
	"os"

	"golang.org/x/sys/unix"
)

// Waker unblocks a Poll.Wait in progress on the same queue from another
// goroutine. It registers the read end of a non-blocking pipe with the
// supplied token; every Wake surfaces as a readable event carrying that
// token. This is the layered cancellation pattern: the base queue has no
// cancellation channel of its own, the only stimuli are readiness, timeout,
// and signals.
type Waker struct {
	readFd  int
	writeFd int
	reg     *Registry
}

// NewWaker registers a wake resource on reg's queue under tok. The token
// must not collide with tokens used for real resources.
func NewWaker(reg *Registry, tok Token) (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, os.NewSyscallError("fcntl", err)
		}
	}
	r := reg.Clone()
	if err := r.Register(fds[0], tok, Readable|Edge); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		r.Close()
		return nil, err
	}
	return &Waker{readFd: fds[0], writeFd: fds[1], reg: r}, nil
}

// Wake makes the next (or current) Wait on the queue report a readable
// event with the waker's token. Safe to call from any goroutine, any
// number of times.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.writeFd, []byte{0})
	if err == unix.EAGAIN {
		// pipe full, plenty of wakes already pending
		return nil
	}
	return os.NewSyscallError("write", err)
}

// Close deregisters and releases the wake resource.
func (w *Waker) Close() error {
	err := w.reg.Deregister(w.readFd)
	cerr := os.NewSyscallError("close", unix.Close(w.readFd))
	if cerr == nil {
		cerr = os.NewSyscallError("close", unix.Close(w.writeFd))
	} else {
		unix.Close(w.writeFd)
	}
	w.reg.Close()
	if err != nil {
		return err
	}
	return cerr
}
