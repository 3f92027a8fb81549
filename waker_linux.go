package epore

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// Waker unblocks a Poll.Wait in progress on the same queue from another
// goroutine. It registers an eventfd with the supplied token; every Wake
// surfaces as a readable event carrying that token. This is the layered
// cancellation pattern: the base queue has no cancellation channel of its
// own, the only stimuli are readiness, timeout, and signals.
type Waker struct {
	fd  int
	reg *Registry
}

// NewWaker registers a wake resource on reg's queue under tok. The token
// must not collide with tokens used for real resources.
func NewWaker(reg *Registry, tok Token) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	r := reg.Clone()
	if err := r.Register(fd, tok, Readable|Edge); err != nil {
		unix.Close(fd)
		r.Close()
		return nil, err
	}
	return &Waker{fd: fd, reg: r}, nil
}

// Wake makes the next (or current) Wait on the queue report a readable
// event with the waker's token. Safe to call from any goroutine, any
// number of times; calls coalesce.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake is already pending
		return nil
	}
	return os.NewSyscallError("write", err)
}

// Close deregisters and releases the wake resource.
func (w *Waker) Close() error {
	err := w.reg.Deregister(w.fd)
	cerr := os.NewSyscallError("close", unix.Close(w.fd))
	w.reg.Close()
	if err != nil {
		return err
	}
	return cerr
}
