package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Frame into a single transport message. The payload is
// not length-prefixed; the transport delivers whole messages.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	header := f.ID<<4 | uint32(f.Type&0x0f)
	binary.LittleEndian.PutUint32(buf[:HeaderSize], header)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode deserializes a transport message into a Frame. Unknown types are
// decoded as-is; it is up to the caller to drop them.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	header := binary.LittleEndian.Uint32(data[:HeaderSize])
	f := &Frame{
		ID:   header >> 4,
		Type: Type(header & 0x0f),
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}
