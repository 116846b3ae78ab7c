// Package protocol defines the frame format exchanged between clipsync peers.
//
// Every frame is a fixed 5-byte header followed by the payload:
//
//	[type:1][length:4, big-endian][payload:length]
//
// There is no magic number or version field.
package protocol

import "fmt"

// Type identifies the kind of payload a frame carries.
type Type uint8

// Frame type constants.
const (
	TypeQuery Type = 0 // Reserved, always empty
	TypeText  Type = 1 // UTF-8 text
	TypeImage Type = 2 // Complete PNG-encoded image
)

// HeaderSize is the fixed header size: Type(1) + Length(4).
const HeaderSize = 5

// DefaultPort is the TCP port a hub listens on unless configured otherwise.
const DefaultPort = 56789

// Known reports whether t is one of the defined frame types.
func (t Type) Known() bool {
	return t <= TypeImage
}

func (t Type) String() string {
	switch t {
	case TypeQuery:
		return "QUERY"
	case TypeText:
		return "TEXT"
	case TypeImage:
		return "IMAGE"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}
