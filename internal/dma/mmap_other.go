//go:build !linux

package dma

import "errors"

var errNoMmap = errors.New("dma: anonymous mappings need linux")

// MmapAllocator needs Linux
type MmapAllocator struct {
	table
}

func NewMmapAllocator(bool) *MmapAllocator {
	return &MmapAllocator{}
}

func (m *MmapAllocator) Alloc(int) (*Region, error) {
	return nil, errNoMmap
}

func (m *MmapAllocator) Free(r *Region) error {
	if r == nil {
		return nil
	}
	return m.remove(r)
}

func (m *MmapAllocator) Outstanding() (regions int, bytes int) {
	return m.live()
}
