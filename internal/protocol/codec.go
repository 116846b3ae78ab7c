package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortHeader     = errors.New("protocol: header must be exactly 5 bytes")
	ErrEmptyPayload    = errors.New("protocol: empty payload is only valid for QUERY")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds 32-bit length field")
)

// Encode serializes a frame into a single byte slice ready to be written in
// one call. The returned slice is never shared with the caller's payload.
func Encode(t Type, payload []byte) ([]byte, error) {
	if len(payload) == 0 && t != TypeQuery {
		return nil, ErrEmptyPayload
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, t, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeHeader returns the 5-byte header for a frame of the given type and
// payload length.
func EncodeHeader(t Type, length uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, t, length)
	return buf
}

// DecodeHeader parses a complete 5-byte header.
func DecodeHeader(b []byte) (Type, uint32, error) {
	if len(b) != HeaderSize {
		return 0, 0, fmt.Errorf("%w: got %d", ErrShortHeader, len(b))
	}
	return Type(b[0]), binary.BigEndian.Uint32(b[1:HeaderSize]), nil
}

func putHeader(buf []byte, t Type, length uint32) {
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], length)
}
