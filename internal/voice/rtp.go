package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// rtpHeaderSize is the fixed RTP-like header length.
	rtpHeaderSize = 12

	// audioVersion is the only accepted RTP version.
	audioVersion = 2

	// audioPayloadType is the only accepted payload type.
	audioPayloadType = 3

	// minAudioPayload is the minimum payload length after the header;
	// anything shorter is dropped as noise.
	minAudioPayload = 136

	// maxFramedSize caps the packet length written to recipients and is
	// the upper bound of the length prefix's significant low byte.
	maxFramedSize = 149
)

var (
	errAudioTooShort   = errors.New("audio packet shorter than header")
	errBadVersion      = errors.New("audio packet version is not 2")
	errBadPayloadType  = errors.New("audio payload type is not 3")
	errPayloadTooSmall = errors.New("audio payload below minimum length")
)

// AudioHeader is the parsed fixed header of an audio packet.
type AudioHeader struct {
	Version     uint8
	Padding     bool
	Extension   bool
	CSRCCount   uint8
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// stripLengthPrefix removes the optional 4-byte little-endian length
// prefix some clients send. Only the low byte is meaningful and valid
// values are 1-149, so the upper three bytes are always zero.
func stripLengthPrefix(p []byte) []byte {
	if len(p) >= 4+rtpHeaderSize &&
		p[0] >= 1 && p[0] <= maxFramedSize &&
		p[1] == 0 && p[2] == 0 && p[3] == 0 {
		return p[4:]
	}
	return p
}

// parseHeader decodes the fixed 12-byte header.
func parseHeader(p []byte) (AudioHeader, error) {
	if len(p) < rtpHeaderSize {
		return AudioHeader{}, errAudioTooShort
	}
	return AudioHeader{
		Version:     p[0] >> 6,
		Padding:     p[0]&0x20 != 0,
		Extension:   p[0]&0x10 != 0,
		CSRCCount:   p[0] & 0x0F,
		Marker:      p[1]&0x80 != 0,
		PayloadType: p[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(p[2:4]),
		Timestamp:   binary.BigEndian.Uint32(p[4:8]),
		SSRC:        binary.BigEndian.Uint32(p[8:12]),
	}, nil
}

// ValidateAudio checks an inbound packet against the fixed
// micro-protocol and stamps the sender's bound user id into the SSRC
// field so recipients can identify the speaker regardless of what the
// client put there. The returned slice aliases the input.
func ValidateAudio(p []byte, senderUID uint32) ([]byte, AudioHeader, error) {
	p = stripLengthPrefix(p)

	hdr, err := parseHeader(p)
	if err != nil {
		return nil, AudioHeader{}, err
	}
	if hdr.Version != audioVersion {
		return nil, hdr, fmt.Errorf("%w: got %d", errBadVersion, hdr.Version)
	}
	if hdr.PayloadType != audioPayloadType {
		return nil, hdr, fmt.Errorf("%w: got %d", errBadPayloadType, hdr.PayloadType)
	}
	if len(p)-rtpHeaderSize < minAudioPayload {
		return nil, hdr, fmt.Errorf("%w: %d bytes", errPayloadTooSmall, len(p)-rtpHeaderSize)
	}

	binary.BigEndian.PutUint32(p[8:12], senderUID)
	hdr.SSRC = senderUID
	return p, hdr, nil
}

// FrameForRelay prepends a fresh 4-byte little-endian length prefix,
// capping the packet at the protocol's 149-byte ceiling.
func FrameForRelay(pkt []byte) []byte {
	if len(pkt) > maxFramedSize {
		pkt = pkt[:maxFramedSize]
	}
	out := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(pkt)))
	copy(out[4:], pkt)
	return out
}
