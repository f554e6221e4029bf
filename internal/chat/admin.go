package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
)

// Admin command mini-language, delivered over the instant-message
// channel as lines starting with '/'. Each command is gated by a
// minimum permission level; a denied command is answered with a denial
// notice rather than silence so operators get feedback.
var adminCommandLevels = map[string]registry.Level{
	"who":      registry.LevelModerator,
	"rooms":    registry.LevelModerator,
	"kick":     registry.LevelModerator,
	"bcast":    registry.LevelAdmin,
	"rbcast":   registry.LevelAdmin,
	"ban":      registry.LevelAdmin,
	"shutdown": registry.LevelSuperAdmin,
}

// adminReply answers the issuing session over the IM channel as the
// server pseudo-user (uid 0).
func (d *Dispatcher) adminReply(s *Session, text string) {
	s.Send(protocol.PktIMIn, protocol.NewRecord().
		AddUint("from", 0).
		Add("nickname", d.cfg.Server.Name).
		Add("text", text).
		Bytes())
}

func (d *Dispatcher) handleAdminCommand(ctx context.Context, s *Session, line string) {
	u := s.User()
	if u == nil {
		return
	}

	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	required, known := adminCommandLevels[cmd]
	if !known {
		d.adminReply(s, fmt.Sprintf("unknown command: %s", cmd))
		return
	}
	if u.Level < required {
		d.logger.Info().
			Uint32("uid", u.UID).
			Str("command", cmd).
			Msg("admin command denied")
		d.adminReply(s, "permission denied")
		return
	}

	switch cmd {
	case "who":
		d.adminWho(s)
	case "rooms":
		d.adminRooms(s)
	case "bcast":
		if len(args) == 0 {
			d.adminReply(s, "usage: /bcast <text>")
			return
		}
		d.Announce(ctx, strings.Join(args, " "))
	case "rbcast":
		d.adminRoomBroadcast(s, args)
	case "kick":
		d.adminKick(ctx, s, args)
	case "ban":
		// Persistent bans need a store-side ban table; for now a ban is
		// just a kick. TODO: persist bans once the store grows a ban table.
		d.adminKick(ctx, s, args)
	case "shutdown":
		d.adminShutdown(ctx, s, args)
	}
}

func (d *Dispatcher) adminWho(s *Session) {
	users := d.reg.Users()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d online:", len(users))
	for _, u := range users {
		fmt.Fprintf(&sb, " %s(%d)", u.Nickname, u.UID)
	}
	d.adminReply(s, sb.String())
}

func (d *Dispatcher) adminRooms(s *Session) {
	rooms := d.reg.Rooms()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rooms:", len(rooms))
	for _, r := range rooms {
		fmt.Fprintf(&sb, " %s(%d,%d users)", r.Name, r.ID, d.reg.MemberCount(r.ID))
	}
	d.adminReply(s, sb.String())
}

func (d *Dispatcher) adminRoomBroadcast(s *Session, args []string) {
	if len(args) < 2 {
		d.adminReply(s, "usage: /rbcast <room-id> <text>")
		return
	}
	roomID, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		d.adminReply(s, "invalid room id")
		return
	}
	if !d.reg.RoomExists(int32(roomID)) {
		d.adminReply(s, "no such room")
		return
	}
	text := strings.Join(args[1:], " ")
	d.broadcastRoom(int32(roomID), 0, protocol.PktAnnouncement, []byte(text))
	d.adminReply(s, "sent")
}

func (d *Dispatcher) adminKick(ctx context.Context, s *Session, args []string) {
	if len(args) == 0 {
		d.adminReply(s, "usage: /kick <nickname>")
		return
	}
	target, online := d.reg.UserByNickname(args[0])
	if !online {
		d.adminReply(s, "user not online")
		return
	}
	issuer := s.User()
	if target.Level >= issuer.Level {
		d.adminReply(s, "cannot kick a peer or superior")
		return
	}

	d.logger.Info().
		Uint32("by", issuer.UID).
		Uint32("target", target.UID).
		Msg("kicking user")

	target.Send(protocol.PktAnnouncement, []byte("You have been disconnected by an administrator."))
	if conn := target.Conn(); conn != nil {
		conn.Close()
	}
	d.adminReply(s, fmt.Sprintf("kicked %s", target.Nickname))
}

func (d *Dispatcher) adminShutdown(ctx context.Context, s *Session, args []string) {
	delay := 60 * time.Second
	if len(args) > 0 {
		if secs, err := strconv.Atoi(args[0]); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		}
	}
	if d.onShutdown == nil {
		d.adminReply(s, "shutdown trigger not wired")
		return
	}

	d.Announce(ctx, fmt.Sprintf("Server shutting down in %s.", delay))
	d.adminReply(s, fmt.Sprintf("shutdown scheduled in %s", delay))
	d.onShutdown(delay)
}
