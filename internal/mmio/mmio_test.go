package mmio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowReadWrite(t *testing.T) {
	w := NewWindow(64)
	assert.Equal(t, 64, w.Len())

	w.Write32(4, 0xcafef00d)
	assert.Equal(t, uint32(0xcafef00d), w.Read32(4))

	w.Write64(8, 0x0102030405060708)
	assert.Equal(t, uint64(0x0102030405060708), w.Read64(8))
	// little-endian low word
	assert.Equal(t, uint32(0x05060708), w.Read32(8))
}

func TestWindowBounds(t *testing.T) {
	w := NewWindow(16)
	assert.Panics(t, func() { w.Write32(2, 1) }, "misaligned")
	assert.Panics(t, func() { w.Write64(16, 1) }, "out of range")
	assert.Panics(t, func() { w.Read32(14) })
}

func TestWindowOver(t *testing.T) {
	_, err := WindowOver(nil)
	assert.ErrorIs(t, err, ErrMisaligned)

	base := NewWindow(32)
	_, err = WindowOver(base.mem[1:9])
	assert.ErrorIs(t, err, ErrMisaligned)

	w, err := WindowOver(base.mem[8:24])
	require.NoError(t, err)
	w.Write32(0, 7)
	assert.Equal(t, uint32(7), base.Read32(8))
	assert.NoError(t, w.Close())
}

func TestFences(t *testing.T) {
	Sfence()
	Mfence()
}
