package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// audioPacket builds a wire-shaped audio packet: optional 4-byte LE
// length prefix, 12-byte header, payload.
func audioPacket(version, payloadType uint8, seq uint16, ts, ssrc uint32, payloadLen int, prefixed bool) []byte {
	pkt := make([]byte, rtpHeaderSize+payloadLen)
	pkt[0] = version << 6
	pkt[1] = payloadType & 0x7F
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[4:8], ts)
	binary.BigEndian.PutUint32(pkt[8:12], ssrc)
	for i := rtpHeaderSize; i < len(pkt); i++ {
		pkt[i] = byte(i)
	}
	if !prefixed {
		return pkt
	}
	out := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(pkt)))
	copy(out[4:], pkt)
	return out
}

func TestValidateAudioRewritesSSRC(t *testing.T) {
	for _, prefixed := range []bool{false, true} {
		pkt := audioPacket(2, 3, 100, 8000, 0xDEADBEEF, minAudioPayload, prefixed)
		out, hdr, err := ValidateAudio(pkt, 4242)
		if err != nil {
			t.Fatalf("prefixed=%v: unexpected error: %v", prefixed, err)
		}
		if hdr.SSRC != 4242 {
			t.Fatalf("prefixed=%v: header SSRC not rewritten, got %d", prefixed, hdr.SSRC)
		}
		if got := binary.BigEndian.Uint32(out[8:12]); got != 4242 {
			t.Fatalf("prefixed=%v: wire SSRC not rewritten, got %d", prefixed, got)
		}
		if hdr.Sequence != 100 || hdr.Timestamp != 8000 {
			t.Fatalf("prefixed=%v: header fields mangled: %+v", prefixed, hdr)
		}
	}
}

func TestValidateAudioRejections(t *testing.T) {
	tests := []struct {
		name    string
		pkt     []byte
		wantErr error
	}{
		{"too short", []byte{0x80, 3, 0, 1}, errAudioTooShort},
		{"wrong version", audioPacket(1, 3, 1, 0, 0, minAudioPayload, false), errBadVersion},
		{"wrong payload type", audioPacket(2, 96, 1, 0, 0, minAudioPayload, false), errBadPayloadType},
		{"payload too small", audioPacket(2, 3, 1, 0, 0, minAudioPayload-1, false), errPayloadTooSmall},
		{"empty payload", audioPacket(2, 3, 1, 0, 0, 0, false), errPayloadTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateAudio(tt.pkt, 1)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStripLengthPrefix(t *testing.T) {
	plain := audioPacket(2, 3, 1, 0, 0, minAudioPayload, false)
	prefixed := audioPacket(2, 3, 1, 0, 0, minAudioPayload, true)

	if got := stripLengthPrefix(prefixed); !bytes.Equal(got, plain) {
		t.Fatal("prefix must be stripped")
	}
	// A packet whose first byte is a valid RTP version octet (0x80) does
	// not match the prefix shape and passes through untouched.
	if got := stripLengthPrefix(plain); !bytes.Equal(got, plain) {
		t.Fatal("unprefixed packet must pass through")
	}
}

func TestFrameForRelay(t *testing.T) {
	pkt := bytes.Repeat([]byte{0xAA}, 148)
	framed := FrameForRelay(pkt)

	if len(framed) != 4+148 {
		t.Fatalf("framed length mismatch: %d", len(framed))
	}
	if n := binary.LittleEndian.Uint32(framed[0:4]); n != 148 {
		t.Fatalf("length prefix mismatch: %d", n)
	}
	if !bytes.Equal(framed[4:], pkt) {
		t.Fatal("payload mangled")
	}

	// Oversize packets are capped at the protocol ceiling.
	big := bytes.Repeat([]byte{0xBB}, 200)
	framed = FrameForRelay(big)
	if len(framed) != 4+maxFramedSize {
		t.Fatalf("oversize packet must be capped, got %d", len(framed))
	}
	if n := binary.LittleEndian.Uint32(framed[0:4]); n != maxFramedSize {
		t.Fatalf("capped length prefix mismatch: %d", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		pkt  []byte
		want ControlKind
	}{
		{"auth", []byte{0, 0, 1}, ControlAuth},
		{"room join", []byte{0, 0, 2, 0, 0, 39, 17, 0, 0, 0, 0}, ControlRoomJoin},
		{"unknown control", []byte{0, 0, 9, 1}, ControlUnknown},
		{"too short", []byte{0, 0}, ControlNone},
		{"no zero magic", []byte{1, 0, 1}, ControlNone},
		{"audio sized", append([]byte{0, 0, 1}, make([]byte, 30)...), ControlNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.pkt); got != tt.want {
				t.Fatalf("Classify(%v) = %d, want %d", tt.pkt, got, tt.want)
			}
		})
	}
}

func TestParseRoomJoin(t *testing.T) {
	pkt := []byte{0, 0, 2, 0, 0, 0x27, 0x11, 0, 0, 0, 0}
	req, ok := ParseRoomJoin(pkt)
	if !ok {
		t.Fatal("valid join packet must parse")
	}
	if req.RoomID != 10001 {
		t.Fatalf("room id mismatch: %d", req.RoomID)
	}
	if req.UserID != 0 {
		t.Fatalf("embedded user id is always zero on the wire, got %d", req.UserID)
	}

	if _, ok := ParseRoomJoin([]byte{0, 0, 2, 0}); ok {
		t.Fatal("short join packet must not parse")
	}
}
