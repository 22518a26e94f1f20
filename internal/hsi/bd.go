package hsi

import "encoding/binary"

// BufferDescriptor is the 16-byte TX/RX/AGG buffer descriptor.
//
//	bytes 0-1:  flags_type
//	bytes 2-3:  len
//	bytes 4-7:  opaque (returned in the completion)
//	bytes 8-15: bus address of the buffer
type BufferDescriptor struct {
	FlagsType uint16
	Len       uint16
	Opaque    uint32
	Addr      uint64
}

// PutBufferDescriptor writes bd into a ring slot
func PutBufferDescriptor(b []byte, bd BufferDescriptor) {
	binary.LittleEndian.PutUint16(b[0:2], bd.FlagsType)
	binary.LittleEndian.PutUint16(b[2:4], bd.Len)
	binary.LittleEndian.PutUint32(b[4:8], bd.Opaque)
	binary.LittleEndian.PutUint64(b[8:16], bd.Addr)
}

// GetBufferDescriptor reads a descriptor out of a ring slot
func GetBufferDescriptor(b []byte) (BufferDescriptor, error) {
	if len(b) < BD_SIZE {
		return BufferDescriptor{}, ErrInsufficientData
	}
	return BufferDescriptor{
		FlagsType: binary.LittleEndian.Uint16(b[0:2]),
		Len:       binary.LittleEndian.Uint16(b[2:4]),
		Opaque:    binary.LittleEndian.Uint32(b[4:8]),
		Addr:      binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
