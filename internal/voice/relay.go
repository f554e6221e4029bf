package voice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/registry"
	"github.com/retrotalk-project/retrotalk/internal/util"
)

// assoc is a pending user association from the chat side, keyed by the
// client's remote IP.
type assoc struct {
	roomID int32
	uid    uint32
}

// Relay is the voice fan-out engine: a second listener independent of
// the chat port. It consults the registry only to confirm a room
// exists. User association is matched by remote address, which assumes
// one voice connection per IP at a time; the embedded user id in the
// join handshake is unreliable (observed always zero) so it cannot be
// used instead.
type Relay struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger zerolog.Logger

	listener net.Listener

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	pending map[string]assoc // remote IP -> association from chat side

	packetsRelayed uint64
}

// NewRelay creates the voice relay.
func NewRelay(cfg *config.Config, reg *registry.Registry) *Relay {
	return &Relay{
		cfg:     cfg,
		reg:     reg,
		logger:  util.ComponentLogger("voice_relay"),
		conns:   make(map[*Conn]struct{}),
		pending: make(map[string]assoc),
	}
}

// Start binds the voice port and accepts connections until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", r.cfg.Server.VoicePort)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind voice listener on %s: %w", addr, err)
	}
	r.listener = listener

	r.logger.Info().Str("addr", addr).Msg("voice listener started")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("voice listener stopping")
				return nil
			default:
				r.logger.Error().Err(err).Msg("voice accept failed")
				continue
			}
		}
		go r.handleConnection(ctx, raw)
	}
}

// Stop closes the listener and every voice connection.
func (r *Relay) Stop() {
	if r.listener != nil {
		r.listener.Close()
	}

	r.mu.Lock()
	open := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		open = append(open, c)
	}
	r.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
}

// AssociateUser records that uid's chat session has joined roomID by
// voice from remoteIP. If that address already has a room-bound voice
// connection the binding applies immediately, otherwise it is held for
// the connection's join handshake.
func (r *Relay) AssociateUser(remoteIP string, roomID int32, uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		if c.RemoteIP() == remoteIP && c.RoomID() == roomID {
			c.BindUser(uid)
			r.logger.Debug().
				Str("ip", remoteIP).
				Int32("room", roomID).
				Uint32("uid", uid).
				Msg("voice connection user-bound")
			return
		}
	}
	r.pending[remoteIP] = assoc{roomID: roomID, uid: uid}
}

// DisassociateUser drops any pending association made on uid's behalf
// for remoteIP. Called when the chat session leaves a room or
// disconnects, so a stale entry cannot bind a later, unrelated voice
// connection from the same address to an old uid.
func (r *Relay) DisassociateUser(remoteIP string, uid uint32) {
	r.mu.Lock()
	if a, ok := r.pending[remoteIP]; ok && a.uid == uid {
		delete(r.pending, remoteIP)
	}
	r.mu.Unlock()
}

// Stats is an aggregate snapshot for the status API.
type Stats struct {
	Connections    int    `json:"connections"`
	PacketsRelayed uint64 `json:"packets_relayed"`
}

// StatsSnapshot returns current relay statistics.
func (r *Relay) StatsSnapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections:    len(r.conns),
		PacketsRelayed: r.packetsRelayed,
	}
}

func (r *Relay) handleConnection(ctx context.Context, raw net.Conn) {
	c := newConn(raw)

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	c.logger.Debug().Msg("voice connection accepted")

	defer func() {
		c.Close()
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		c.logger.Debug().Msg("voice connection closed")
	}()

	buf := make([]byte, 0, 2048)
	chunk := make([]byte, 1500)
	idle := r.cfg.VoiceIdleTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw.SetReadDeadline(time.Now().Add(idle))
		n, err := raw.Read(chunk)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Info().Msg("voice connection idle, closing")
			}
			return
		}

		buf = append(buf, chunk[:n]...)
		buf = r.drainPackets(c, buf)
	}
}

// drainPackets extracts and processes every complete packet in buf,
// returning the remainder. Length-prefixed data waits for the full
// packet; anything without a prefix shape (control packets start with
// two zero bytes) is handled as one packet per read. Two control
// packets coalesced into one read would therefore classify as a single
// packet of the first's kind; clients send the handshake one packet
// per write, so the per-read heuristic holds.
func (r *Relay) drainPackets(c *Conn, buf []byte) []byte {
	for len(buf) > 0 {
		if len(buf) >= 4 && buf[0] >= 1 && buf[0] <= maxFramedSize &&
			buf[1] == 0 && buf[2] == 0 && buf[3] == 0 {
			n := int(buf[0])
			if len(buf) < 4+n {
				return buf // partial packet, wait for more data
			}
			r.processPacket(c, buf[:4+n])
			buf = buf[4+n:]
			continue
		}
		r.processPacket(c, buf)
		return nil
	}
	return buf
}

func (r *Relay) processPacket(c *Conn, pkt []byte) {
	c.CountPacket(len(pkt))

	switch Classify(pkt) {
	case ControlAuth:
		c.Authenticate()
		c.Write(authAck)
		c.logger.Debug().Msg("voice connection authenticated")
		return

	case ControlRoomJoin:
		r.handleRoomJoin(c, pkt)
		return

	case ControlUnknown:
		c.logger.Debug().Int("len", len(pkt)).Msg("unknown voice control packet, dropping")
		return
	}

	r.handleAudio(c, pkt)
}

func (r *Relay) handleRoomJoin(c *Conn, pkt []byte) {
	if !c.Authenticated() {
		c.logger.Debug().Msg("room join before auth, dropping")
		return
	}

	req, ok := ParseRoomJoin(pkt)
	if !ok {
		c.logger.Debug().Msg("malformed voice room join, dropping")
		return
	}
	if !r.reg.RoomExists(req.RoomID) {
		c.logger.Info().Int32("room", req.RoomID).Msg("voice join to unknown room, dropping")
		return
	}

	c.BindRoom(req.RoomID)

	// Apply any association the chat side already made for this address.
	r.mu.Lock()
	if a, ok := r.pending[c.RemoteIP()]; ok && a.roomID == req.RoomID {
		c.BindUser(a.uid)
		delete(r.pending, c.RemoteIP())
	}
	r.mu.Unlock()

	c.Write(joinAck)
	c.logger.Info().
		Int32("room", req.RoomID).
		Uint32("uid", c.UserID()).
		Msg("voice connection room-bound")
}

func (r *Relay) handleAudio(c *Conn, pkt []byte) {
	if !c.Authenticated() || c.RoomID() == 0 {
		return
	}

	validated, hdr, err := ValidateAudio(pkt, c.UserID())
	if err != nil {
		c.logger.Debug().Err(err).Msg("audio packet rejected")
		return
	}

	c.UpdateQuality(hdr.Sequence, hdr.Timestamp, time.Now())
	r.fanOut(c, validated)
}

// fanOut re-frames the validated packet and writes it to every other
// voice connection bound to the same room. A failed write to one
// recipient does not abort delivery to the others.
func (r *Relay) fanOut(sender *Conn, pkt []byte) {
	framed := FrameForRelay(pkt)

	r.mu.Lock()
	recipients := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c != sender && c.RoomID() == sender.RoomID() && c.Authenticated() {
			recipients = append(recipients, c)
		}
	}
	r.packetsRelayed++
	r.mu.Unlock()

	for _, c := range recipients {
		if err := c.Write(framed); err != nil {
			c.logger.Warn().Err(err).Msg("audio relay delivery failed")
		}
	}
}
