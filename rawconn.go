package epore

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ConnFd extracts the raw descriptor from a socket-like resource. This is
// the only thing the queue needs from an external I/O type; net.TCPConn,
// net.UnixConn, os.File and friends all satisfy syscall.Conn.
//
// The returned descriptor stays valid only while conn is open. The caller
// must keep conn alive for the lifetime of the registration and deregister
// the descriptor before closing conn.
func ConnFd(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	err = raw.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	})
	if err != nil {
		return 0, err
	}
	return fd, nil
}

// SetNonblock puts fd into non-blocking mode. Descriptors must be
// non-blocking before registration or the readiness contract is useless:
// a blocking read on a reported-ready descriptor can still stall if
// another consumer drains it first.
func SetNonblock(fd int) error {
	return os.NewSyscallError("fcntl", unix.SetNonblock(fd, true))
}
