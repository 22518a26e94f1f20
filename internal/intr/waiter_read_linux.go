//go:build linux && !iouring

package intr

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// readWaiter parks the line's goroutine in read(2)
type readWaiter struct {
	fd int
}

func newWaiter(fd int) (waiter, error) {
	return &readWaiter{fd: fd}, nil
}

func (w *readWaiter) wait() (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(w.fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (w *readWaiter) close() error { return nil }
