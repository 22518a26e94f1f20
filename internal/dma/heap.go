package dma

import "sync"

// heapBusBase keeps simulated bus addresses well away from zero
const heapBusBase = 0x1_0000_0000

// HeapAllocator serves regions from the Go heap and assigns synthetic,
// page-aligned bus addresses. It is meant for simulated hardware and tests.
type HeapAllocator struct {
	table
	allocMu sync.Mutex
	next    uint64
	limit   int
}

// NewHeapAllocator returns an allocator that refuses to hold more than limit
// bytes at once. A limit of zero means unlimited.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{next: heapBusBase, limit: limit}
}

func (h *HeapAllocator) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	rounded := roundUp(size)

	h.allocMu.Lock()
	defer h.allocMu.Unlock()
	if _, inUse := h.live(); h.limit > 0 && inUse+size > h.limit {
		return nil, ErrNoMemory
	}

	r := &Region{Virt: make([]byte, size), Bus: h.next}
	h.next += uint64(rounded)
	h.insert(r)
	return r, nil
}

func (h *HeapAllocator) Free(r *Region) error {
	if r == nil {
		return nil
	}
	return h.remove(r)
}

// Outstanding returns the number of live regions and their total size
func (h *HeapAllocator) Outstanding() (regions int, bytes int) {
	return h.live()
}
