package protocol

import (
	"encoding/binary"
)

// Framer turns an arbitrary inbound byte stream into complete frames.
// One Framer is held per connection; it accumulates partial data across
// reads, so the same packet sequence decodes identically no matter how
// the stream is split.
type Framer struct {
	buf []byte
}

// NewFramer creates an empty per-connection framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends an inbound chunk to the accumulator and extracts every
// complete frame now available. Trailing partial data is retained for
// the next Push. Frame payloads are copied, so callers may hold them
// after the next Push.
func (f *Framer) Push(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)

	var frames []Frame
	for {
		if len(f.buf) < HeaderSize {
			break
		}

		ptype := int16(binary.BigEndian.Uint16(f.buf[0:2]))
		version := int16(binary.BigEndian.Uint16(f.buf[2:4]))
		plen := int(binary.BigEndian.Uint16(f.buf[4:6]))

		if len(f.buf) < HeaderSize+plen {
			break // partial frame, wait for more data
		}

		payload := make([]byte, plen)
		copy(payload, f.buf[HeaderSize:HeaderSize+plen])
		frames = append(frames, Frame{Type: ptype, Version: version, Payload: payload})

		f.buf = f.buf[HeaderSize+plen:]
	}

	// Release the backing array once fully drained so a burst does not
	// pin memory for the connection's lifetime.
	if len(f.buf) == 0 {
		f.buf = nil
	}

	return frames
}

// Pending returns the number of buffered bytes awaiting a complete frame.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Encode builds the wire bytes for one outbound frame: 6-byte header
// stamped with OutgoingVersion, followed by the payload. Payloads longer
// than MaxPayloadSize are truncated to fit the 16-bit length field.
func Encode(ptype int16, payload []byte) []byte {
	if len(payload) > MaxPayloadSize {
		payload = payload[:MaxPayloadSize]
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(ptype))
	binary.BigEndian.PutUint16(out[2:4], uint16(OutgoingVersion))
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}
