package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
)

// Welcome text shown on join, keyed by the room's content rating. The
// rating gates tone, not access.
var welcomeText = map[string]string{
	registry.RatingGeneral:    "Welcome! Please keep the conversation friendly for all ages.",
	registry.RatingAdult:      "Welcome. This room is rated A; adult conversation permitted.",
	registry.RatingRestricted: "Welcome. This room is rated R; strong language permitted.",
}

// handleRoomJoin validates a join request and, on success, sends the
// room snapshot to the joiner and notifies existing members. A wrong
// password on a locked room produces no reply at all.
func (d *Dispatcher) handleRoomJoin(ctx context.Context, s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		d.logger.Debug().Str("remote", s.RemoteAddr()).Msg("room join before login, dropping")
		return
	}

	fields := protocol.ParseRecord(payload)
	roomID64, err := protocol.RecordInt(fields, "room")
	if err != nil {
		d.logger.Debug().Err(err).Msg("malformed room join, dropping")
		return
	}
	roomID := int32(roomID64)

	room, ok := d.reg.RoomByID(roomID)
	if !ok {
		d.logger.Debug().Int32("room", roomID).Msg("join to unknown room, dropping")
		return
	}

	if room.Locked() && fields["password"] != room.Password {
		d.logger.Info().
			Int32("room", roomID).
			Uint32("uid", u.UID).
			Msg("join rejected: wrong password")
		return
	}

	if u.InRoom(roomID) {
		return // already a member, nothing to do
	}

	// Room admin status comes automatically with global admin rank or
	// room ownership.
	admin := u.Level >= registry.LevelAdmin || room.OwnerUID == u.UID
	visible := fields["invisible"] != "1"

	if err := d.reg.JoinRoom(ctx, roomID, u, admin, visible); err != nil {
		d.logger.Warn().Err(err).Int32("room", roomID).Uint32("uid", u.UID).Msg("join failed")
		return
	}

	d.sendRoomSnapshot(s, room)

	if visible {
		d.broadcastRoom(roomID, u.UID, protocol.PktRoomUserJoined,
			protocol.NewRecord().
				AddInt("room", int64(roomID)).
				AddUint("uid", uint64(u.UID)).
				Add("nickname", u.Nickname).
				AddBool("admin", admin).
				Bytes())
	}

	if room.Voice && d.voice != nil {
		d.voice.AssociateUser(s.RemoteIP(), roomID, u.UID)
	}
}

// sendRoomSnapshot sends the join confirmation: topic and welcome text,
// the visible member list, and the voice-server locator when the room
// is voice-enabled.
func (d *Dispatcher) sendRoomSnapshot(s *Session, room *registry.Room) {
	ack := protocol.NewRecord().
		AddInt("room", int64(room.ID)).
		Add("name", room.Name).
		AddInt("category", int64(room.Category)).
		Add("rating", room.Rating).
		Add("topic", room.Topic).
		Add("welcome", welcomeText[room.Rating]).
		AddBool("mic", room.MicEnabled).
		AddBool("text", room.TextEnabled).
		AddBool("voice", room.Voice)
	if room.Voice {
		ack.Add("voice_server", fmt.Sprintf("%s:%d", d.cfg.Server.PublicHost, d.cfg.Server.VoicePort))
	}
	s.Send(protocol.PktRoomJoin, ack.Bytes())

	var records [][]byte
	for _, ms := range d.reg.Members(room.ID) {
		if !ms.Member.Visible {
			continue
		}
		records = append(records, protocol.NewRecord().
			AddUint("uid", uint64(ms.Member.UID)).
			Add("nickname", ms.Member.Nickname).
			AddBool("admin", ms.Member.Admin).
			AddBool("mic", ms.Member.MicOn).
			Bytes())
	}
	records = append(records, protocol.EOFRecord)
	s.Send(protocol.PktRoomUserList, protocol.JoinRecords(records...))
}

// handleRoomLeave removes membership; an emptied ephemeral room is
// deleted by the registry.
func (d *Dispatcher) handleRoomLeave(ctx context.Context, s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		return
	}

	fields := protocol.ParseRecord(payload)
	roomID64, err := protocol.RecordInt(fields, "room")
	if err != nil {
		d.logger.Debug().Err(err).Msg("malformed room leave, dropping")
		return
	}
	roomID := int32(roomID64)

	if _, err := d.reg.LeaveRoom(ctx, roomID, u.UID); err != nil {
		d.logger.Debug().Err(err).Int32("room", roomID).Uint32("uid", u.UID).Msg("leave dropped")
		return
	}

	if d.voice != nil {
		d.voice.DisassociateUser(s.RemoteIP(), u.UID)
	}

	d.broadcastRoom(roomID, u.UID, protocol.PktRoomUserLeft,
		protocol.NewRecord().
			AddInt("room", int64(roomID)).
			AddUint("uid", uint64(u.UID)).
			Add("nickname", u.Nickname).
			Bytes())
}

// handleRoomCreate creates an ephemeral room owned by the requester and
// joins them as its admin.
func (d *Dispatcher) handleRoomCreate(ctx context.Context, s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		return
	}

	fields := protocol.ParseRecord(payload)
	name := fields["name"]
	if name == "" {
		d.logger.Debug().Uint32("uid", u.UID).Msg("room create without name, dropping")
		return
	}

	category, _ := protocol.RecordInt(fields, "category")
	rating := fields["rating"]
	switch rating {
	case registry.RatingGeneral, registry.RatingAdult, registry.RatingRestricted:
	default:
		rating = registry.RatingGeneral
	}

	room := registry.NewRoom(d.reg.NextRoomID(), name, int32(category), rating)
	room.Voice = fields["voice"] == "1"
	room.Private = fields["private"] == "1"
	room.Password = fields["password"]
	room.Topic = fields["topic"]
	room.OwnerUID = u.UID

	if err := d.reg.AddRoom(ctx, room); err != nil {
		d.logger.Warn().Err(err).Str("name", name).Msg("room create failed")
		return
	}
	if err := d.reg.JoinRoom(ctx, room.ID, u, true, true); err != nil {
		d.logger.Warn().Err(err).Int32("room", room.ID).Msg("owner join failed")
		return
	}

	d.sendRoomSnapshot(s, room)

	if room.Voice && d.voice != nil {
		d.voice.AssociateUser(s.RemoteIP(), room.ID, u.UID)
	}
}

// handleRoomMessage fans a chat line out to the room, excluding the
// sender, after length, sanitization and flood checks.
func (d *Dispatcher) handleRoomMessage(s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		return
	}

	fields := protocol.ParseRecord(payload)
	roomID64, err := protocol.RecordInt(fields, "room")
	if err != nil {
		d.logger.Debug().Err(err).Msg("malformed room message, dropping")
		return
	}
	roomID := int32(roomID64)

	if !u.InRoom(roomID) {
		d.logger.Debug().Int32("room", roomID).Uint32("uid", u.UID).Msg("message from non-member, dropping")
		return
	}

	room, ok := d.reg.RoomByID(roomID)
	if !ok || !room.TextEnabled {
		return
	}

	text := sanitizeMessage(fields["text"], d.cfg.Limits.MaxMessageLen)
	if text == "" {
		return
	}

	if !s.flood.Allow(text, time.Now()) {
		d.logger.Info().Uint32("uid", u.UID).Int32("room", roomID).Msg("message suppressed by flood window")
		return
	}

	d.broadcastRoom(roomID, u.UID, protocol.PktRoomMessageIn,
		protocol.NewRecord().
			AddInt("room", int64(roomID)).
			AddUint("from", uint64(u.UID)).
			Add("nickname", u.Nickname).
			Add("text", text).
			Bytes())
}

// handleReqMic flips a member's mic state and notifies the room.
func (d *Dispatcher) handleReqMic(s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		return
	}

	fields := protocol.ParseRecord(payload)
	roomID64, err := protocol.RecordInt(fields, "room")
	if err != nil {
		return
	}
	roomID := int32(roomID64)
	on := fields["on"] != "0"

	room, ok := d.reg.RoomByID(roomID)
	if !ok || !room.MicEnabled || !u.InRoom(roomID) {
		return
	}

	if !d.reg.SetMemberMic(roomID, u.UID, on) {
		return
	}

	grant := protocol.NewRecord().
		AddInt("room", int64(roomID)).
		AddUint("uid", uint64(u.UID)).
		AddBool("on", on).
		Bytes()
	s.Send(protocol.PktMicGrant, grant)
	d.broadcastRoom(roomID, u.UID, protocol.PktMicGrant, grant)
}
