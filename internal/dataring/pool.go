package dataring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-bnxt/internal/dma"
)

// ErrNoBuffers is returned when a pool has no free buffer
var ErrNoBuffers = errors.New("no free packet buffers")

// Buffer is one fixed-size packet buffer inside a Pool's DMA region
type Buffer struct {
	Data  []byte
	Bus   uint64
	index int32
}

// Pool hands out fixed-size packet buffers carved from a single DMA region,
// like per-tag I/O buffers. A Pool belongs to one ring and is not safe for
// concurrent use.
type Pool struct {
	alloc   dma.Allocator
	region  *dma.Region
	bufSize int
	free    []int32
	out     []bool
}

// NewPool allocates count buffers of bufSize bytes
func NewPool(alloc dma.Allocator, count int, bufSize int) (*Pool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("invalid pool geometry %d x %d", count, bufSize)
	}
	region, err := alloc.Alloc(count * bufSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d packet buffers: %w", count, err)
	}
	p := &Pool{
		alloc:   alloc,
		region:  region,
		bufSize: bufSize,
		free:    make([]int32, count),
		out:     make([]bool, count),
	}
	for i := range p.free {
		// pop order is ascending
		p.free[i] = int32(count - 1 - i)
	}
	return p, nil
}

// BufSize returns the size of every buffer
func (p *Pool) BufSize() int { return p.bufSize }

// Available returns the number of free buffers
func (p *Pool) Available() int { return len(p.free) }

// Cap returns the total number of buffers
func (p *Pool) Cap() int { return len(p.out) }

// Get takes a free buffer
func (p *Pool) Get() (Buffer, bool) {
	n := len(p.free)
	if n == 0 {
		return Buffer{}, false
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	p.out[i] = true
	off := int(i) * p.bufSize
	return Buffer{
		Data:  p.region.Virt[off : off+p.bufSize],
		Bus:   p.region.At(off),
		index: i,
	}, true
}

// Put returns a buffer taken with Get. Returning a buffer twice panics.
func (p *Pool) Put(b Buffer) {
	if b.Data == nil {
		return
	}
	if !p.out[b.index] {
		panic(fmt.Sprintf("dataring: buffer %d returned twice", b.index))
	}
	p.out[b.index] = false
	p.free = append(p.free, b.index)
}

// Release frees the backing region. Outstanding buffers become invalid.
func (p *Pool) Release() error {
	if p.region == nil {
		return nil
	}
	err := p.alloc.Free(p.region)
	p.region = nil
	p.free = nil
	return err
}

// Scratch buffers for reassembling frames that span aggregation buffers.
// Size-bucketed sync.Pools keep the RX path free of allocations.
const (
	scratch16k = 16 * 1024
	scratch64k = 64 * 1024
)

var scratchPool = struct {
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool16k: sync.Pool{New: func() any { b := make([]byte, scratch16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, scratch64k); return &b }},
}

// getScratch returns a buffer of at least size bytes. Frames larger than the
// largest bucket get a plain allocation.
func getScratch(size int) []byte {
	switch {
	case size <= scratch16k:
		return (*scratchPool.pool16k.Get().(*[]byte))[:size]
	case size <= scratch64k:
		return (*scratchPool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

func putScratch(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case scratch16k:
		scratchPool.pool16k.Put(&buf)
	case scratch64k:
		scratchPool.pool64k.Put(&buf)
	}
}
