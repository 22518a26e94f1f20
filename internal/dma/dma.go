// Package dma provides DMA-visible memory for descriptor rings, completion
// queues, command buffers and statistics blocks.
package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoMemory    = errors.New("dma: out of memory")
	ErrBadSize     = errors.New("dma: invalid allocation size")
	ErrNotMapped   = errors.New("dma: bus address not mapped")
	ErrDoubleFree  = errors.New("dma: region already released")
	ErrForeignFree = errors.New("dma: region not owned by this allocator")
)

// PageSize is the allocation granularity and alignment of bus addresses
const PageSize = 4096

// Region is one DMA-visible allocation: the CPU view and the bus address the
// device uses to reach it.
type Region struct {
	Virt []byte
	Bus  uint64

	freed bool
}

// Size returns the region length in bytes
func (r *Region) Size() int {
	return len(r.Virt)
}

// At returns the bus address of byte off within the region
func (r *Region) At(off int) uint64 {
	return r.Bus + uint64(off)
}

// Allocator hands out zeroed DMA regions. Every region must be released
// with Free exactly once.
type Allocator interface {
	Alloc(size int) (*Region, error)
	Free(r *Region) error
}

// Resolver translates a device bus address back to memory. It is the device
// side of an Allocator and is used by simulated hardware.
type Resolver interface {
	Resolve(bus uint64, n int) ([]byte, error)
}

// table tracks live regions ordered by bus address
type table struct {
	mu      sync.RWMutex
	regions []*Region
	bytes   int
}

func (t *table) insert(r *Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].Bus >= r.Bus })
	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
	t.bytes += len(r.Virt)
}

func (t *table) remove(r *Region) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.freed {
		return ErrDoubleFree
	}
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].Bus >= r.Bus })
	if i == len(t.regions) || t.regions[i] != r {
		return ErrForeignFree
	}
	t.regions = append(t.regions[:i], t.regions[i+1:]...)
	t.bytes -= len(r.Virt)
	r.freed = true
	return nil
}

func (t *table) Resolve(bus uint64, n int) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	// last region whose base is <= bus
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].Bus > bus }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrNotMapped, bus)
	}
	r := t.regions[i]
	off := bus - r.Bus
	if off+uint64(n) > uint64(len(r.Virt)) {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrNotMapped, bus, n)
	}
	return r.Virt[off : off+uint64(n)], nil
}

// live returns the number of outstanding regions and bytes
func (t *table) live() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions), t.bytes
}

func roundUp(size int) int {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
