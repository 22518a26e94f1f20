//go:build linux

package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator serves page-aligned anonymous mappings locked into memory.
// The bus address is the virtual address, which matches a device behind an
// identity-mapped IOMMU domain.
type MmapAllocator struct {
	table
	lock bool
}

// NewMmapAllocator returns an allocator backed by anonymous mappings. When
// lock is set each mapping is mlock'ed so it cannot be paged out under DMA.
func NewMmapAllocator(lock bool) *MmapAllocator {
	return &MmapAllocator{lock: lock}
}

func (m *MmapAllocator) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	length := roundUp(size)

	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrNoMemory, length, err)
	}
	if m.lock {
		if err := unix.Mlock(mem); err != nil {
			unix.Munmap(mem)
			return nil, fmt.Errorf("%w: mlock %d bytes: %v", ErrNoMemory, length, err)
		}
	}

	r := &Region{
		Virt: mem[:size],
		Bus:  uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	m.insert(r)
	return r, nil
}

func (m *MmapAllocator) Free(r *Region) error {
	if r == nil {
		return nil
	}
	if err := m.remove(r); err != nil {
		return err
	}
	mem := r.Virt[:roundUp(len(r.Virt))]
	if m.lock {
		unix.Munlock(mem)
	}
	return unix.Munmap(mem)
}

// Outstanding returns the number of live regions and their total size
func (m *MmapAllocator) Outstanding() (regions int, bytes int) {
	return m.live()
}
