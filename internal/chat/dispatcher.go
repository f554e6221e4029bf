package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
	"github.com/retrotalk-project/retrotalk/internal/store"
	"github.com/retrotalk-project/retrotalk/internal/util"
)

// VoiceAssociator is implemented by the voice relay. The chat side calls
// AssociateUser when a user joins a voice-enabled room so the relay can
// bind that user's voice connection, matched by remote IP, and
// DisassociateUser on leave or disconnect so a stale pending entry
// cannot bind a later connection from the same address.
type VoiceAssociator interface {
	AssociateUser(remoteIP string, roomID int32, uid uint32)
	DisassociateUser(remoteIP string, uid uint32)
}

// ShutdownFunc triggers a graceful server shutdown after a delay.
type ShutdownFunc func(delay time.Duration)

// Dispatcher maps inbound frames to handlers. One Dispatcher serves all
// sessions; per-session ordering comes from each session's read
// goroutine calling Dispatch serially.
type Dispatcher struct {
	cfg        *config.Config
	reg        *registry.Registry
	store      store.Store
	bus        *events.Bus
	voice      VoiceAssociator
	onShutdown ShutdownFunc
	logger     zerolog.Logger
}

// NewDispatcher creates the packet dispatcher.
func NewDispatcher(cfg *config.Config, reg *registry.Registry, st store.Store, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		reg:    reg,
		store:  st,
		bus:    bus,
		logger: util.ComponentLogger("dispatcher"),
	}
}

// SetVoice wires the voice relay for user association on room join and
// teardown on leave or disconnect.
func (d *Dispatcher) SetVoice(v VoiceAssociator) {
	d.voice = v
}

// SetShutdownFunc wires the graceful-shutdown trigger used by the
// admin shutdown command.
func (d *Dispatcher) SetShutdownFunc(fn ShutdownFunc) {
	d.onShutdown = fn
}

// Dispatch routes one decoded frame to its handler. Unknown types and
// protocol violations are logged and dropped; the legacy protocol has
// no error-acknowledgement packets, so the connection stays open.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f protocol.Frame) {
	if s.State() == StateClosed {
		return
	}

	switch f.Type {
	case protocol.PktClientHello:
		d.handleHello(s)
	case protocol.PktGetUIN:
		d.handleGetUIN(ctx, s, f.Payload)
	case protocol.PktLymerick:
		d.handleLymerick(s)
	case protocol.PktLogin:
		d.handleLogin(ctx, s, f.Payload)
	case protocol.PktRoomJoin:
		d.handleRoomJoin(ctx, s, f.Payload)
	case protocol.PktRoomLeave:
		d.handleRoomLeave(ctx, s, f.Payload)
	case protocol.PktRoomCreate:
		d.handleRoomCreate(ctx, s, f.Payload)
	case protocol.PktRoomMessageOut:
		d.handleRoomMessage(s, f.Payload)
	case protocol.PktIMOut:
		d.handleIM(ctx, s, f.Payload)
	case protocol.PktAwayMode:
		d.handlePresence(s, protocol.ModeAway)
	case protocol.PktOnlineMode:
		d.handlePresence(s, protocol.ModeOnline)
	case protocol.PktBuddyAdd:
		d.handleBuddyAdd(ctx, s, f.Payload)
	case protocol.PktReqMic:
		d.handleReqMic(s, f.Payload)
	default:
		d.logger.Warn().
			Int16("type", f.Type).
			Int("payload_len", len(f.Payload)).
			Str("remote", s.RemoteAddr()).
			Msg("unknown packet type, dropping")
	}
}

// SessionClosed tears down a finished session: the bound user (if any)
// leaves the registry and every room it occupied, remaining members are
// notified, and buddy watchers see the user go offline. A session
// displaced by a newer login for the same uid finds its user already
// replaced and leaves the successor untouched.
func (d *Dispatcher) SessionClosed(ctx context.Context, s *Session) {
	u := s.User()
	if u == nil {
		return
	}
	if d.voice != nil {
		d.voice.DisassociateUser(s.RemoteIP(), u.UID)
	}
	d.takeOffline(ctx, u)
}

// takeOffline removes u and broadcasts its departure, but only when u
// is still the registered entry for its uid.
func (d *Dispatcher) takeOffline(ctx context.Context, u *registry.User) {
	rooms := u.Rooms()
	if !d.reg.RemoveUserIf(ctx, u) {
		return
	}

	for _, roomID := range rooms {
		d.broadcastRoom(roomID, u.UID, protocol.PktRoomUserLeft,
			protocol.NewRecord().
				AddInt("room", int64(roomID)).
				AddUint("uid", uint64(u.UID)).
				Add("nickname", u.Nickname).
				Bytes())
	}

	d.broadcastPresence(u.UID, protocol.ModeOffline)
}

// Announce sends an ANNOUNCEMENT frame to every online user.
func (d *Dispatcher) Announce(ctx context.Context, text string) {
	payload := []byte(text)
	for _, u := range d.reg.Users() {
		if err := u.Send(protocol.PktAnnouncement, payload); err != nil {
			d.logger.Warn().Err(err).Uint32("uid", u.UID).Msg("failed to deliver announcement")
		}
	}
	d.bus.Emit(ctx, events.Event{
		Type:    events.EventAnnouncement,
		Source:  "dispatcher",
		Payload: events.AnnouncementPayload{Text: text, From: "server"},
	})
}

// storeCtx bounds an external-store call with the configured timeout so
// a slow store surfaces as a dropped packet, never a crash or hang.
func (d *Dispatcher) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.StoreTimeout())
}

// broadcastRoom sends a frame to every member of a room except skipUID.
// Membership is snapshotted at broadcast time; failures to one member
// do not abort delivery to others.
func (d *Dispatcher) broadcastRoom(roomID int32, skipUID uint32, ptype int16, payload []byte) {
	for _, ms := range d.reg.Members(roomID) {
		if ms.User.UID == skipUID {
			continue
		}
		if err := ms.User.Send(ptype, payload); err != nil {
			d.logger.Warn().
				Err(err).
				Int32("room", roomID).
				Uint32("uid", ms.User.UID).
				Msg("room broadcast delivery failed")
		}
	}
}

// broadcastPresence sends a STATUS_CHANGE for uid to every online user
// whose buddy list contains uid.
func (d *Dispatcher) broadcastPresence(uid uint32, mode int) {
	payload := protocol.NewRecord().
		AddUint("uid", uint64(uid)).
		AddInt("mode", int64(mode)).
		Bytes()
	for _, watcher := range d.reg.BuddyWatchers(uid) {
		if err := watcher.Send(protocol.PktStatusChange, payload); err != nil {
			d.logger.Warn().Err(err).Uint32("watcher", watcher.UID).Msg("presence delivery failed")
		}
	}
}
