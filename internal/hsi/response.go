package hsi

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// The second word of a response header (len | valid<<16) is the
// publication point between firmware and driver. Firmware writes the body,
// status and sequence first and stores that word last; the driver loads it
// before reading anything else.

func respWord(b []byte) *uint32 {
	w := b[4:8:8]
	return (*uint32)(unsafe.Pointer(&w[0]))
}

// ResponseValid reports whether a response buffer carries the valid key.
// The rest of the response may be read once it returns true.
func ResponseValid(b []byte) bool {
	if len(b) < ResponseHeaderSize {
		return false
	}
	w := leToHost(atomic.LoadUint32(respWord(b)))
	return uint16(w>>16) == HWRM_RESP_VALID_KEY
}

// PublishResponse writes hdr into b, storing the len/valid word last
func PublishResponse(hdr ResponseHeader, b []byte) error {
	if len(b) < ResponseHeaderSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint16(b[0:2], hdr.Status)
	binary.LittleEndian.PutUint16(b[2:4], hdr.Seq)
	atomic.StoreUint32(respWord(b), hostToLE(uint32(hdr.Len)|uint32(hdr.Valid)<<16))
	return nil
}

// ClearResponse invalidates a response buffer before a new command
func ClearResponse(b []byte) {
	if len(b) < ResponseHeaderSize {
		return
	}
	atomic.StoreUint32(respWord(b), 0)
	clear(b[0:4])
}
