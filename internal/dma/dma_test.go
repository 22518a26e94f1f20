package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocator(t *testing.T) {
	h := NewHeapAllocator(0)

	a, err := h.Alloc(100)
	require.NoError(t, err)
	b, err := h.Alloc(PageSize + 1)
	require.NoError(t, err)

	assert.Equal(t, 100, a.Size())
	assert.Zero(t, a.Bus%PageSize)
	assert.Zero(t, b.Bus%PageSize)
	assert.Equal(t, a.Bus+PageSize, b.Bus)
	assert.Equal(t, a.Bus+10, a.At(10))

	n, bytes := h.Outstanding()
	assert.Equal(t, 2, n)
	assert.Equal(t, 100+PageSize+1, bytes)

	require.NoError(t, h.Free(a))
	assert.ErrorIs(t, h.Free(a), ErrDoubleFree)
	require.NoError(t, h.Free(b))

	n, bytes = h.Outstanding()
	assert.Zero(t, n)
	assert.Zero(t, bytes)
}

func TestHeapAllocatorLimit(t *testing.T) {
	h := NewHeapAllocator(1000)

	r, err := h.Alloc(800)
	require.NoError(t, err)

	_, err = h.Alloc(300)
	assert.ErrorIs(t, err, ErrNoMemory)

	require.NoError(t, h.Free(r))
	_, err = h.Alloc(300)
	assert.NoError(t, err)

	_, err = h.Alloc(0)
	assert.ErrorIs(t, err, ErrBadSize)
}

func TestResolve(t *testing.T) {
	h := NewHeapAllocator(0)
	r, err := h.Alloc(64)
	require.NoError(t, err)
	r.Virt[8] = 0xaa

	view, err := h.Resolve(r.At(8), 4)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), view[0])

	// device writes land in the CPU view
	view[1] = 0xbb
	assert.Equal(t, byte(0xbb), r.Virt[9])

	_, err = h.Resolve(r.At(60), 8)
	assert.ErrorIs(t, err, ErrNotMapped)
	_, err = h.Resolve(heapBusBase-1, 1)
	assert.ErrorIs(t, err, ErrNotMapped)

	require.NoError(t, h.Free(r))
	_, err = h.Resolve(r.Bus, 1)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestForeignFree(t *testing.T) {
	a := NewHeapAllocator(0)
	b := NewHeapAllocator(0)
	r, err := a.Alloc(16)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Free(r), ErrForeignFree)
	assert.NoError(t, b.Free(nil))
}
