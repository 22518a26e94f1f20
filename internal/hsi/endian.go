package hsi

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

var hostBigEndian = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

// leToHost converts a little-endian word loaded as a native integer
func leToHost(v uint32) uint32 {
	if hostBigEndian {
		return bits.ReverseBytes32(v)
	}
	return v
}

func hostToLE(v uint32) uint32 {
	return leToHost(v)
}

func le64(v uint64) uint64 {
	if hostBigEndian {
		return bits.ReverseBytes64(v)
	}
	return v
}

// loadUint64s atomically reads len(dst) little-endian words from b
func loadUint64s(b []byte, dst []uint64) error {
	if len(b) < len(dst)*8 {
		return ErrInsufficientData
	}
	for i := range dst {
		dst[i] = le64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[i*8]))))
	}
	return nil
}

// storeUint64s atomically writes src as little-endian words into b
func storeUint64s(b []byte, src []uint64) error {
	if len(b) < len(src)*8 {
		return ErrInsufficientData
	}
	for i, v := range src {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[i*8])), le64(v))
	}
	return nil
}
