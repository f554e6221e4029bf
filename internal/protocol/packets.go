// Package protocol implements the binary wire format spoken between
// RetroTalk clients and the server. Every frame is a 6-byte big-endian
// header (type, version, payload length) followed by the payload.
// Multi-record payloads are newline-delimited key=value blobs joined by
// a single 0xC8 delimiter byte.
package protocol

// Packet type codes. The legacy protocol mixes negative decimal codes
// (mostly client requests) and positive hex codes (mostly server
// responses); both fit the signed 16-bit type field.
const (
	// Client -> server
	PktClientHello    int16 = -100
	PktLymerick       int16 = -1130
	PktGetUIN         int16 = -1131
	PktLogin          int16 = -1148
	PktIMOut          int16 = -20
	PktAwayMode       int16 = -600
	PktOnlineMode     int16 = -610
	PktBuddyAdd       int16 = -501
	PktRoomMessageOut int16 = -350
	PktReqMic         int16 = -397
	PktRoomJoin       int16 = 0x0136
	PktRoomLeave      int16 = 0x0137
	PktRoomCreate     int16 = 0x0139

	// Server -> client
	PktHello            int16 = -117
	PktLoginNotComplete int16 = -160
	PktServerKey        int16 = 0x0474
	PktUINResponse      int16 = 0x046B
	PktUserData         int16 = 0x019A
	PktBuddyList        int16 = 0x0043
	PktLoginUnknown     int16 = 0x04A6
	PktStatusChange     int16 = 0x0190
	PktCategoryList     int16 = 0x019D
	PktIMIn             int16 = 0x0014
	PktRoomMessageIn    int16 = 0x015E
	PktRoomUserList     int16 = 0x013C
	PktRoomUserJoined   int16 = 0x013A
	PktRoomUserLeft     int16 = 0x013B
	PktMicGrant         int16 = 0x018D
	PktAnnouncement     int16 = -39
)

// OutgoingVersion is the fixed version constant stamped into the header
// of every frame the server sends. Clients ignore it.
const OutgoingVersion int16 = 29

// HeaderSize is the fixed size of the frame header in bytes.
const HeaderSize = 6

// MaxPayloadSize is the natural ceiling of the 16-bit length field.
const MaxPayloadSize = 65535

// RecordDelimiter separates key=value records in multi-record payloads.
const RecordDelimiter byte = 0xC8

// Presence mode codes carried in STATUS_CHANGE payloads.
const (
	ModeOffline = 0
	ModeOnline  = 1
	ModeAway    = 2
)

// Login result codes carried in the LOGIN response status byte.
const (
	LoginOK     byte = 1
	LoginFailed byte = 0
)

// Frame is one complete decoded unit: a packet type plus its payload.
type Frame struct {
	Type    int16
	Version int16
	Payload []byte
}
