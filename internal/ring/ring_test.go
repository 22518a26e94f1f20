package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
)

func newRing(t *testing.T, size int) (*Ring, *dma.HeapAllocator) {
	t.Helper()
	alloc := dma.NewHeapAllocator(0)
	r, err := New(alloc, size, 16)
	require.NoError(t, err)
	return r, alloc
}

func TestNewRejectsBadSizes(t *testing.T) {
	alloc := dma.NewHeapAllocator(0)
	for _, size := range []int{0, -4, 3, 100, constants.MaxRingSize * 2} {
		_, err := New(alloc, size, 16)
		assert.ErrorIs(t, err, ErrBadSize, "size %d", size)
	}
	_, err := New(alloc, 8, 0)
	assert.Error(t, err)

	n, _ := alloc.Outstanding()
	assert.Zero(t, n)
}

func TestNewAllocationFailureLeavesNothing(t *testing.T) {
	alloc := dma.NewHeapAllocator(1024)
	_, err := New(alloc, 256, 16)
	require.ErrorIs(t, err, dma.ErrNoMemory)

	n, _ := alloc.Outstanding()
	assert.Zero(t, n)
}

func TestFreshRing(t *testing.T) {
	r, _ := newRing(t, 64)
	assert.Equal(t, 64, r.Size())
	assert.Equal(t, 64, r.FreeCount())
	assert.Equal(t, uint32(63), r.Mask())
	assert.False(t, r.Bound())
	assert.Equal(t, constants.InvalidID, r.ID())
	for _, b := range r.Memory() {
		require.Zero(t, b)
	}
}

func TestFullCycleReturnsToStart(t *testing.T) {
	for _, size := range []int{1, 2, 8, 64, 256, 4096} {
		r, _ := newRing(t, size)
		// start mid-ring so the cycle crosses the wrap point
		r.AdvanceProducer(size / 2)
		r.AdvanceConsumer(size / 4)

		startIdx := r.ProdIndex()
		startFree := r.FreeCount()

		for i := 0; i < size; i++ {
			r.AdvanceProducer(1)
			r.AdvanceConsumer(1)
			require.Less(t, r.ProdIndex(), uint32(size))
			require.Less(t, r.ConsIndex(), uint32(size))
		}

		assert.Equal(t, startIdx, r.ProdIndex(), "size %d", size)
		assert.Equal(t, startFree, r.FreeCount(), "size %d", size)
	}
}

func TestRingFullOnOverflow(t *testing.T) {
	r, _ := newRing(t, 256)

	for i := 0; i < 256; i++ {
		slot, err := r.Reserve()
		require.NoError(t, err, "enqueue %d", i)
		slot[0] = byte(i)
		r.AdvanceProducer(1)
	}
	assert.Zero(t, r.FreeCount())
	assert.Equal(t, 256, r.Used())

	_, err := r.Reserve()
	assert.ErrorIs(t, err, ErrRingFull)

	// nothing was overwritten
	assert.Equal(t, byte(0), r.Slot(0)[0])
	assert.Equal(t, byte(255), r.Slot(255)[0])

	r.AdvanceConsumer(1)
	_, err = r.Reserve()
	assert.NoError(t, err)
}

func TestCursorWrapAround32Bits(t *testing.T) {
	r, _ := newRing(t, 8)
	r.prod = ^uint32(0) - 2
	r.cons = r.prod

	assert.Equal(t, 8, r.FreeCount())
	r.AdvanceProducer(5)
	assert.Equal(t, 3, r.FreeCount())
	assert.Equal(t, 5, r.Used())
	r.AdvanceConsumer(5)
	assert.Equal(t, 8, r.FreeCount())
}

func TestSlotAddressing(t *testing.T) {
	r, _ := newRing(t, 4)
	r.Slot(1)[0] = 0x11
	assert.Equal(t, byte(0x11), r.Memory()[16])
	// indexes wrap through the mask
	assert.Equal(t, byte(0x11), r.Slot(5)[0])
}

func TestResetAndRelease(t *testing.T) {
	r, alloc := newRing(t, 8)
	r.SetID(12)
	r.AdvanceProducer(3)
	r.Slot(0)[0] = 1

	r.Reset()
	assert.Equal(t, uint32(0), r.Prod())
	assert.Equal(t, byte(0), r.Slot(0)[0])
	assert.Equal(t, uint16(12), r.ID())

	r.ClearID()
	assert.False(t, r.Bound())

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	n, _ := alloc.Outstanding()
	assert.Zero(t, n)
}
