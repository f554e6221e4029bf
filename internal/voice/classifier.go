// Package voice implements the voice-relay engine: a second TCP
// listener that validates real-time audio packets against a fixed
// micro-protocol and fans them out to the other voice connections bound
// to the same room.
package voice

import "encoding/binary"

// ControlKind is the classified intent of a short control packet.
type ControlKind int

const (
	ControlNone ControlKind = iota // not a control packet, treat as audio
	ControlAuth
	ControlRoomJoin
	ControlUnknown
)

// Control packet discriminator bytes, following the two-zero-byte magic.
const (
	ctrlAuthByte     byte = 0x01
	ctrlRoomJoinByte byte = 0x02
)

// maxControlSize bounds the length of packets considered for control
// classification. Anything longer is audio.
const maxControlSize = 16

// Classify sniffs a packet's intent. Any short packet beginning with
// two zero bytes is treated as control, discriminated by its third
// byte. This mirrors the legacy heuristic; an audio packet that happens
// to start with two zero bytes would be misclassified, but audio is
// always length-prefixed in practice, so its first byte is 1-149.
func Classify(p []byte) ControlKind {
	if len(p) < 3 || len(p) > maxControlSize {
		return ControlNone
	}
	if p[0] != 0x00 || p[1] != 0x00 {
		return ControlNone
	}
	switch p[2] {
	case ctrlAuthByte:
		return ControlAuth
	case ctrlRoomJoinByte:
		return ControlRoomJoin
	default:
		return ControlUnknown
	}
}

// RoomJoinRequest is the decoded room-join control packet. The embedded
// user id is observed to always be zero on the wire; actual user
// association happens via the chat side's address-based call.
type RoomJoinRequest struct {
	RoomID int32
	UserID uint32
}

// ParseRoomJoin decodes a ControlRoomJoin packet:
// [0x00 0x00 0x02][room id: int32 BE][user id: uint32 BE].
func ParseRoomJoin(p []byte) (RoomJoinRequest, bool) {
	if len(p) < 11 {
		return RoomJoinRequest{}, false
	}
	return RoomJoinRequest{
		RoomID: int32(binary.BigEndian.Uint32(p[3:7])),
		UserID: binary.BigEndian.Uint32(p[7:11]),
	}, true
}

// Control acknowledgement payloads.
var (
	authAck = []byte{0x00, 0x00, ctrlAuthByte, 0x01}
	joinAck = []byte{0x00, 0x00, ctrlRoomJoinByte, 0x01}
)
