//go:build linux && iouring

package intr

import (
	"encoding/binary"
	"fmt"

	"github.com/iceber/iouring-go"
)

// uringWaiter reads the eventfd through io_uring
type uringWaiter struct {
	fd   int
	ring *iouring.IOURing
}

func newWaiter(fd int) (waiter, error) {
	ring, err := iouring.New(4)
	if err != nil {
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}
	return &uringWaiter{fd: fd, ring: ring}, nil
}

func (w *uringWaiter) wait() (uint64, error) {
	buf := make([]byte, 8)
	ch := make(chan iouring.Result, 1)
	if _, err := w.ring.SubmitRequest(iouring.Read(w.fd, buf), ch); err != nil {
		return 0, fmt.Errorf("submit eventfd read failed: %v", err)
	}
	result := <-ch
	n, err := result.ReturnInt()
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short eventfd read: %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf), nil
}

func (w *uringWaiter) close() error {
	return w.ring.Close()
}
