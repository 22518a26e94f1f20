package hsi

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Completion is the decoded form of a 16-byte completion entry.
//
//	word0: type (bits 0-5) | flags (bits 6-15) | len or event id (bits 16-31)
//	word1: opaque / event data2 / sequence id
//	word2: info / event data1
//	word3: errors (bits 0-30) | V (bit 31)
type Completion struct {
	Type   uint8
	Flags  uint16
	Len    uint16
	Opaque uint32
	Info   uint32
	Errors uint32
	Valid  bool
}

// CompletionType returns the type field of a raw entry without decoding it
func CompletionType(b []byte) uint8 {
	return uint8(binary.LittleEndian.Uint16(b[0:2]) & CMPL_BASE_TYPE_MASK)
}

// validWord points at word 3 of an entry. Entries are 16-byte aligned in
// DMA memory, so the word is naturally aligned. Word 3 is accessed
// atomically: it is the publication point between producer and consumer.
func validWord(b []byte) *uint32 {
	// reslicing bounds-checks without touching the bytes
	w := b[12:16:16]
	return (*uint32)(unsafe.Pointer(&w[0]))
}

func loadWord3(b []byte) uint32 {
	return leToHost(atomic.LoadUint32(validWord(b)))
}

func storeWord3(b []byte, w uint32) {
	atomic.StoreUint32(validWord(b), hostToLE(w))
}

// CompletionValid reports the raw entry's valid/generation bit
func CompletionValid(b []byte) bool {
	return loadWord3(b)&CMPL_BASE_V != 0
}

// SetCompletionValid rewrites only the valid bit of a raw entry
func SetCompletionValid(b []byte, v bool) {
	w := loadWord3(b) &^ CMPL_BASE_V
	if v {
		w |= CMPL_BASE_V
	}
	storeWord3(b, w)
}

// DecodeCompletion unpacks a raw entry
func DecodeCompletion(b []byte) (Completion, error) {
	if len(b) < CMPL_SIZE {
		return Completion{}, ErrInsufficientData
	}
	w3 := loadWord3(b)
	w0 := binary.LittleEndian.Uint32(b[0:4])
	return Completion{
		Type:   uint8(w0 & CMPL_BASE_TYPE_MASK),
		Flags:  uint16((w0 >> 6) & 0x3ff),
		Len:    uint16(w0 >> 16),
		Opaque: binary.LittleEndian.Uint32(b[4:8]),
		Info:   binary.LittleEndian.Uint32(b[8:12]),
		Errors: w3 &^ CMPL_BASE_V,
		Valid:  w3&CMPL_BASE_V != 0,
	}, nil
}

// EncodeCompletion packs c into b. The valid word is written last, with a
// release store.
func EncodeCompletion(c Completion, b []byte) error {
	if len(b) < CMPL_SIZE {
		return ErrInsufficientData
	}
	w0 := uint32(c.Type&CMPL_BASE_TYPE_MASK) | uint32(c.Flags&0x3ff)<<6 | uint32(c.Len)<<16
	binary.LittleEndian.PutUint32(b[0:4], w0)
	binary.LittleEndian.PutUint32(b[4:8], c.Opaque)
	binary.LittleEndian.PutUint32(b[8:12], c.Info)
	w3 := c.Errors &^ CMPL_BASE_V
	if c.Valid {
		w3 |= CMPL_BASE_V
	}
	storeWord3(b, w3)
	return nil
}

// AsyncEvent is the view of a HWRM_ASYNC_EVENT completion
type AsyncEvent struct {
	ID    uint16
	Data1 uint32
	Data2 uint32
}

// AsyncEventFrom reinterprets a decoded completion as an async event
func AsyncEventFrom(c Completion) AsyncEvent {
	return AsyncEvent{ID: c.Len, Data1: c.Info, Data2: c.Opaque}
}

// AsyncEventCompletion builds the completion carrying ev
func AsyncEventCompletion(ev AsyncEvent, valid bool) Completion {
	return Completion{
		Type:   CMPL_BASE_TYPE_HWRM_ASYNC_EVENT,
		Len:    ev.ID,
		Opaque: ev.Data2,
		Info:   ev.Data1,
		Valid:  valid,
	}
}

// RxAggBufs returns the number of aggregation completions that follow an RX completion
func RxAggBufs(c Completion) int {
	return int(c.Info & RX_CMPL_AGG_BUFS_MASK)
}
