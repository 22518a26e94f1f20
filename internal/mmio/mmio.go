// Package mmio provides memory-mapped register access for the NIC BARs
package mmio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Registers is the register window of one BAR. Offsets are in bytes and must
// be naturally aligned for the access width.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Write64(off uint32, v uint64)
}

var ErrMisaligned = errors.New("mmio: window not 8-byte aligned")

// Window is a Registers implementation over a byte region, either a mapped
// BAR or plain memory. Every access is a single atomic load or store.
type Window struct {
	mem   []byte
	unmap func([]byte) error
}

// NewWindow returns a Window over freshly allocated, zeroed memory
func NewWindow(size int) *Window {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return &Window{mem: mem[:size]}
}

// WindowOver wraps an existing region. The region must be 8-byte aligned.
func WindowOver(mem []byte) (*Window, error) {
	if len(mem) == 0 || uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	return &Window{mem: mem}, nil
}

// Len returns the size of the window in bytes
func (w *Window) Len() int {
	return len(w.mem)
}

func (w *Window) ptr(off uint32, width uint32) unsafe.Pointer {
	if off%width != 0 || int(off)+int(width) > len(w.mem) {
		panic(fmt.Sprintf("mmio: access at 0x%x width %d outside window of %d bytes", off, width, len(w.mem)))
	}
	return unsafe.Pointer(&w.mem[off])
}

func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(w.ptr(off, 4)))
}

func (w *Window) Read64(off uint32) uint64 {
	return atomic.LoadUint64((*uint64)(w.ptr(off, 8)))
}

func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(off, 4)), v)
}

func (w *Window) Write64(off uint32, v uint64) {
	atomic.StoreUint64((*uint64)(w.ptr(off, 8)), v)
}

// Close unmaps the window if it was created by MapFile
func (w *Window) Close() error {
	if w.unmap == nil || w.mem == nil {
		return nil
	}
	err := w.unmap(w.mem)
	w.mem = nil
	return err
}
