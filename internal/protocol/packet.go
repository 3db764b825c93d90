// Package protocol defines the frame format and types for the tunnel
// channel shared by outbound and inbound relays.
package protocol

import "fmt"

// Type identifies the kind of frame. It occupies the low 4 bits of the header.
type Type uint8

// Frame type constants. Values 5–15 are reserved.
const (
	TypeDiscover Type = 0 // Seek relay-capable peers (id 0)
	TypeAck      Type = 1 // Reply to DISCOVER (id 0)
	TypeConnect  Type = 2 // Open a channel
	TypeData     Type = 3 // Channel payload
	TypeClose    Type = 4 // Channel closed
)

// HeaderSize is the fixed header size: little-endian uint32 (id<<4 | type).
const HeaderSize = 4

// MaxID is the largest connection id the header can carry. Larger ids lose
// their high bits on encode; relays never reuse ids, so a relay that opens
// more than MaxID connections starts colliding. This is a known limit.
const MaxID = 1<<28 - 1

// ControlID is the connection id used by connectionless DISCOVER/ACK frames.
const ControlID = 0

// Frame is one discrete transport message.
type Frame struct {
	ID      uint32 // Connection id, 0 for DISCOVER/ACK
	Type    Type
	Payload []byte // Only non-empty for TypeData
}

func (t Type) String() string {
	switch t {
	case TypeDiscover:
		return "DISCOVER"
	case TypeAck:
		return "ACK"
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Known reports whether t is one of the five defined frame types.
func (t Type) Known() bool {
	return t <= TypeClose
}
