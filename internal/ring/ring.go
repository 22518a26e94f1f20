// Package ring implements the power-of-two descriptor ring shared with the
// NIC through DMA memory.
package ring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
)

var (
	ErrRingFull = errors.New("ring full")
	ErrBadSize  = errors.New("ring size must be a power of two")
)

// Ring is a fixed-size circular buffer of hardware descriptors.
//
// Producer and consumer are free-running 32-bit cursors; the slot index is
// cursor&mask. prod-cons is the number of occupied slots, so a full ring
// (prod-cons == size) and an empty one (prod == cons) never look alike.
type Ring struct {
	mem    *dma.Region
	alloc  dma.Allocator
	size   uint32
	mask   uint32
	stride int
	prod   uint32
	cons   uint32
	id     uint16
}

// New allocates zeroed descriptor memory for size entries of stride bytes.
// On failure nothing is left allocated.
func New(alloc dma.Allocator, size int, stride int) (*Ring, error) {
	if size <= 0 || size > constants.MaxRingSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("invalid descriptor stride %d", stride)
	}
	mem, err := alloc.Alloc(size * stride)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ring memory (%d x %d): %w", size, stride, err)
	}
	return &Ring{
		mem:    mem,
		alloc:  alloc,
		size:   uint32(size),
		mask:   uint32(size - 1),
		stride: stride,
		id:     constants.InvalidID,
	}, nil
}

// Size returns the number of slots
func (r *Ring) Size() int { return int(r.size) }

// Stride returns the descriptor size in bytes
func (r *Ring) Stride() int { return r.stride }

// Mask returns size-1
func (r *Ring) Mask() uint32 { return r.mask }

// Bus returns the bus address of slot 0
func (r *Ring) Bus() uint64 { return r.mem.Bus }

// ID returns the hardware ring ID, or constants.InvalidID when unbound
func (r *Ring) ID() uint16 { return r.id }

// Bound reports whether the ring holds a hardware ID
func (r *Ring) Bound() bool { return r.id != constants.InvalidID }

// SetID records the hardware ID returned by RING_ALLOC
func (r *Ring) SetID(id uint16) { r.id = id }

// ClearID returns the ring to the unassigned state
func (r *Ring) ClearID() { r.id = constants.InvalidID }

// Prod returns the free-running producer cursor
func (r *Ring) Prod() uint32 { return r.prod }

// Cons returns the free-running consumer cursor
func (r *Ring) Cons() uint32 { return r.cons }

// ProdIndex returns the producer slot index, 0 <= index < size
func (r *Ring) ProdIndex() uint32 { return r.prod & r.mask }

// ConsIndex returns the consumer slot index, 0 <= index < size
func (r *Ring) ConsIndex() uint32 { return r.cons & r.mask }

// Used returns the number of occupied slots
func (r *Ring) Used() int { return int(r.prod - r.cons) }

// FreeCount returns the number of slots a producer may still fill
func (r *Ring) FreeCount() int { return int(r.size - (r.prod - r.cons)) }

// Slot returns the descriptor memory of slot i&mask
func (r *Ring) Slot(i uint32) []byte {
	off := int(i&r.mask) * r.stride
	return r.mem.Virt[off : off+r.stride]
}

// Reserve returns the next producer slot without publishing it, or
// ErrRingFull when every slot holds unconsumed work.
func (r *Ring) Reserve() ([]byte, error) {
	if r.FreeCount() == 0 {
		return nil, ErrRingFull
	}
	return r.Slot(r.prod), nil
}

// AdvanceProducer publishes n filled slots. The caller must have checked
// FreeCount() >= n.
func (r *Ring) AdvanceProducer(n int) {
	r.prod += uint32(n)
}

// AdvanceConsumer retires n slots
func (r *Ring) AdvanceConsumer(n int) {
	r.cons += uint32(n)
}

// Reset rewinds both cursors and zeroes descriptor memory. The hardware ID is
// kept.
func (r *Ring) Reset() {
	r.prod = 0
	r.cons = 0
	clear(r.mem.Virt)
}

// Memory returns the raw descriptor region
func (r *Ring) Memory() []byte { return r.mem.Virt }

// Release frees the descriptor memory. The ring must already be unbound.
func (r *Ring) Release() error {
	if r.mem == nil {
		return nil
	}
	err := r.alloc.Free(r.mem)
	r.mem = nil
	return err
}
