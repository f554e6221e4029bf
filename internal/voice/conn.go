package voice

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Quality is the rolling link-quality record kept per voice connection.
type Quality struct {
	LastSequence uint16  `json:"last_sequence"`
	Lost         uint64  `json:"lost"`
	Jitter       float64 `json:"jitter"` // in timestamp units, RFC 3550 estimator
}

// Conn is one accepted voice-relay connection. It starts
// unauthenticated; the control handshake authenticates it and binds a
// room, and the chat side's association call later binds the user id.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	authenticated bool
	roomID        int32
	userID        uint32

	bytesIn   uint64
	packetsIn uint64

	quality     Quality
	haveSeq     bool
	lastTransit int64

	remoteIP     string
	closed       bool
	lastActivity time.Time
}

func newConn(raw net.Conn) *Conn {
	ip := raw.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return &Conn{
		conn:         raw,
		remoteIP:     ip,
		lastActivity: time.Now(),
		logger: log.With().
			Str("component", "voice_conn").
			Str("remote", raw.RemoteAddr().String()).
			Logger(),
	}
}

// Authenticate marks the control handshake's auth step done.
func (c *Conn) Authenticate() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// Authenticated reports whether the auth control packet was seen.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// BindRoom associates the connection with a room.
func (c *Conn) BindRoom(roomID int32) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// RoomID returns the bound room id, zero if unbound.
func (c *Conn) RoomID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// BindUser associates the connection with a user id. Called from the
// chat side via the relay's address-based matching.
func (c *Conn) BindUser(uid uint32) {
	c.mu.Lock()
	c.userID = uid
	c.mu.Unlock()
}

// UserID returns the bound user id, zero until association.
func (c *Conn) UserID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// RemoteIP returns the connection's remote address without the port.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Write sends raw bytes with a short deadline.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("voice connection is closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("voice write failed: %w", err)
	}
	return nil
}

// Close terminates the connection. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CountPacket records an inbound packet for the byte/packet counters.
func (c *Conn) CountPacket(n int) {
	c.mu.Lock()
	c.packetsIn++
	c.bytesIn += uint64(n)
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Counters returns the inbound byte and packet counts.
func (c *Conn) Counters() (packets, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packetsIn, c.bytesIn
}

// UpdateQuality folds one audio packet into the rolling quality record:
// sequence gaps count as loss, and interarrival jitter follows the
// RFC 3550 estimator with arrival time measured in 125us ticks to match
// the 8 kHz timestamp clock.
func (c *Conn) UpdateQuality(seq uint16, timestamp uint32, arrival time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveSeq {
		gap := seq - c.quality.LastSequence // wraps correctly on uint16
		if gap > 1 && gap < 0x8000 {
			c.quality.Lost += uint64(gap - 1)
		}
	}
	c.quality.LastSequence = seq
	c.haveSeq = true

	arrivalTicks := arrival.UnixNano() / 125000
	transit := arrivalTicks - int64(timestamp)
	if c.lastTransit != 0 {
		d := transit - c.lastTransit
		if d < 0 {
			d = -d
		}
		c.quality.Jitter += (float64(d) - c.quality.Jitter) / 16
	}
	c.lastTransit = transit
}

// QualitySnapshot returns a copy of the quality record.
func (c *Conn) QualitySnapshot() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}
