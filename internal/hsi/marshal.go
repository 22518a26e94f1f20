package hsi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is shorter than the structure
var ErrInsufficientData = errors.New("insufficient data for unmarshaling")

// Marshal converts a wire structure to little-endian bytes
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *RequestHeader:
		return marshalRequestHeader(val)
	case *ShortRequest:
		return marshalShortRequest(val)
	case *ResponseHeader:
		return marshalResponseHeader(val)
	default:
		// Payload structs are fixed size with explicit padding
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil
		}
		return buf.Bytes()
	}
}

// Unmarshal converts little-endian bytes back to a wire structure
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *RequestHeader:
		return unmarshalRequestHeader(data, val)
	case *ShortRequest:
		return unmarshalShortRequest(data, val)
	case *ResponseHeader:
		return unmarshalResponseHeader(data, val)
	default:
		size := binary.Size(v)
		if size < 0 {
			return errors.New("unsupported type for unmarshaling")
		}
		if len(data) < size {
			return ErrInsufficientData
		}
		return binary.Read(bytes.NewReader(data[:size]), binary.LittleEndian, v)
	}
}

// Size returns the encoded size of a wire structure
func Size(v interface{}) int {
	switch v.(type) {
	case *RequestHeader, *ShortRequest:
		return RequestHeaderSize
	case *ResponseHeader:
		return ResponseHeaderSize
	default:
		return binary.Size(v)
	}
}

func marshalRequestHeader(h *RequestHeader) []byte {
	buf := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.Seq)
	binary.LittleEndian.PutUint16(buf[4:6], h.Len)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.RespAddr)
	return buf
}

func unmarshalRequestHeader(data []byte, h *RequestHeader) error {
	if len(data) < RequestHeaderSize {
		return ErrInsufficientData
	}
	h.Opcode = binary.LittleEndian.Uint16(data[0:2])
	h.Seq = binary.LittleEndian.Uint16(data[2:4])
	h.Len = binary.LittleEndian.Uint16(data[4:6])
	h.Flags = binary.LittleEndian.Uint16(data[6:8])
	h.RespAddr = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// The short request shares offsets 0, 2 and 6 with RequestHeader so
// firmware can tell them apart from the flags word alone.
func marshalShortRequest(h *ShortRequest) []byte {
	buf := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.Seq)
	binary.LittleEndian.PutUint16(buf[4:6], h.Signature)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.ReqAddr)
	return buf
}

func unmarshalShortRequest(data []byte, h *ShortRequest) error {
	if len(data) < RequestHeaderSize {
		return ErrInsufficientData
	}
	h.Opcode = binary.LittleEndian.Uint16(data[0:2])
	h.Seq = binary.LittleEndian.Uint16(data[2:4])
	h.Signature = binary.LittleEndian.Uint16(data[4:6])
	h.Flags = binary.LittleEndian.Uint16(data[6:8])
	h.ReqAddr = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

func marshalResponseHeader(h *ResponseHeader) []byte {
	buf := make([]byte, ResponseHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Status)
	binary.LittleEndian.PutUint16(buf[2:4], h.Seq)
	binary.LittleEndian.PutUint16(buf[4:6], h.Len)
	binary.LittleEndian.PutUint16(buf[6:8], h.Valid)
	return buf
}

func unmarshalResponseHeader(data []byte, h *ResponseHeader) error {
	if len(data) < ResponseHeaderSize {
		return ErrInsufficientData
	}
	h.Status = binary.LittleEndian.Uint16(data[0:2])
	h.Seq = binary.LittleEndian.Uint16(data[2:4])
	h.Len = binary.LittleEndian.Uint16(data[4:6])
	h.Valid = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// IsShortRequest reports whether a raw request buffer holds a short command
func IsShortRequest(data []byte) bool {
	if len(data) < RequestHeaderSize {
		return false
	}
	return binary.LittleEndian.Uint16(data[6:8])&HWRM_REQ_FLAG_SHORT != 0
}
