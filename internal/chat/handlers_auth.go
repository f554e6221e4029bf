package chat

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
	"github.com/retrotalk-project/retrotalk/internal/store"
)

// handleHello answers the liveness probe with the fixed greeting.
func (d *Dispatcher) handleHello(s *Session) {
	if err := s.Send(protocol.PktHello, []byte(d.cfg.Server.Greeting)); err != nil {
		d.logger.Warn().Err(err).Str("remote", s.RemoteAddr()).Msg("failed to send hello")
	}
}

// handleGetUIN resolves a nickname to its numeric id. Unknown nicknames
// answer with uid=0; the protocol has no error packets.
func (d *Dispatcher) handleGetUIN(ctx context.Context, s *Session, payload []byte) {
	nickname := protocol.CString(payload)
	if nickname == "" {
		d.logger.Debug().Str("remote", s.RemoteAddr()).Msg("empty GET_UIN, dropping")
		return
	}

	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	var uid uint32
	rec, err := d.store.GetUserByNickname(sctx, nickname)
	switch {
	case err == nil:
		uid = rec.UID
		nickname = rec.Nickname
	case errors.Is(err, store.ErrNotFound):
		// uid stays 0
	default:
		d.logger.Error().Err(err).Str("nickname", nickname).Msg("uin lookup failed, dropping")
		return
	}

	resp := protocol.NewRecord().
		AddUint("uid", uint64(uid)).
		Add("nickname", nickname).
		Bytes()
	s.Send(protocol.PktUINResponse, resp)
}

// handleLymerick completes the key-exchange pair: a LOGIN_NOT_COMPLETE
// marker followed by the fixed server key. No shared state is touched.
func (d *Dispatcher) handleLymerick(s *Session) {
	s.Send(protocol.PktLoginNotComplete, nil)
	s.Send(protocol.PktServerKey, []byte(d.cfg.Server.ServerKey+"\n"))
}

// handleLogin authenticates a session: the uid is looked up in the
// external store, the session is bound to a live User in the registry,
// and the fixed post-login frame sequence is emitted (profile, buddy
// list, buddy presence, categories, queued offline messages).
func (d *Dispatcher) handleLogin(ctx context.Context, s *Session, payload []byte) {
	if s.State() != StateConnected {
		d.logger.Debug().Str("remote", s.RemoteAddr()).Msg("login on non-fresh session, dropping")
		return
	}
	if len(payload) < 4 {
		d.logger.Debug().Str("remote", s.RemoteAddr()).Msg("short login payload, dropping")
		return
	}

	uid := binary.BigEndian.Uint32(payload[0:4])

	sctx, cancel := d.storeCtx(ctx)
	rec, err := d.store.GetUserByUID(sctx, uid)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			var unknown [4]byte
			binary.BigEndian.PutUint32(unknown[:], uid)
			s.Send(protocol.PktLoginUnknown, unknown[:])
			return
		}
		d.logger.Error().Err(err).Uint32("uid", uid).Msg("login lookup failed, dropping")
		return
	}

	// Displace a previous session for the same identity before going
	// online; the legacy server always favored the newest connection.
	// takeOffline broadcasts the departure and removes by pointer, so
	// the old session's own deferred cleanup cannot evict this login.
	if old, online := d.reg.UserByUID(rec.UID); online {
		d.logger.Info().Uint32("uid", rec.UID).Msg("displacing previous session for uid")
		if conn := old.Conn(); conn != nil {
			conn.Close()
		}
		d.takeOffline(ctx, old)
	}

	u := registry.NewUser(rec.UID, rec.Nickname, registry.Level(rec.Level), rec.Color, s)
	u.SetBuddies(rec.Buddies)
	u.SetBlocked(rec.Blocked)

	if err := d.reg.AddUser(ctx, u); err != nil {
		d.logger.Warn().Err(err).Uint32("uid", rec.UID).Msg("login rejected")
		resp := make([]byte, 5)
		binary.BigEndian.PutUint32(resp[0:4], uid)
		resp[4] = protocol.LoginFailed
		s.Send(protocol.PktLogin, resp)
		return
	}
	s.BindUser(u)

	// Fixed post-login sequence.
	resp := make([]byte, 5)
	binary.BigEndian.PutUint32(resp[0:4], rec.UID)
	resp[4] = protocol.LoginOK
	s.Send(protocol.PktLogin, resp)

	s.Send(protocol.PktUserData, protocol.NewRecord().
		AddUint("uid", uint64(u.UID)).
		Add("nickname", u.Nickname).
		AddInt("level", int64(u.Level)).
		Add("color", u.Color).
		AddInt("mode", int64(u.Mode())).
		Bytes())

	s.Send(protocol.PktBuddyList, d.buildBuddyList(u))

	for buddyUID := range u.Buddies() {
		if buddy, online := d.reg.UserByUID(buddyUID); online {
			s.Send(protocol.PktStatusChange, protocol.NewRecord().
				AddUint("uid", uint64(buddy.UID)).
				AddInt("mode", int64(buddy.Mode())).
				Bytes())
		}
	}

	s.Send(protocol.PktCategoryList, d.buildCategoryList())

	d.broadcastPresence(u.UID, protocol.ModeOnline)
	d.deliverOfflineMessages(ctx, s, u)

	d.logger.Info().
		Uint32("uid", u.UID).
		Str("nickname", u.Nickname).
		Str("remote", s.RemoteAddr()).
		Msg("login complete")
}

func (d *Dispatcher) buildBuddyList(u *registry.User) []byte {
	var records [][]byte
	for uid, nick := range u.Buddies() {
		rec := protocol.NewRecord().
			AddUint("uid", uint64(uid)).
			Add("nickname", nick)
		if buddy, online := d.reg.UserByUID(uid); online {
			rec.AddInt("mode", int64(buddy.Mode()))
		} else {
			rec.AddInt("mode", protocol.ModeOffline)
		}
		records = append(records, rec.Bytes())
	}
	records = append(records, protocol.EOFRecord)
	return protocol.JoinRecords(records...)
}

func (d *Dispatcher) buildCategoryList() []byte {
	var records [][]byte
	for _, cat := range d.reg.Categories() {
		records = append(records, protocol.NewRecord().
			AddInt("code", int64(cat.Code)).
			Add("name", cat.Name).
			AddInt("sort", int64(cat.Sort)).
			Bytes())
	}
	return protocol.JoinRecords(records...)
}

// deliverOfflineMessages drains queued messages for a fresh login, each
// acknowledged to the store as delivered. A store failure aborts the
// drain; undelivered messages stay queued for the next login.
func (d *Dispatcher) deliverOfflineMessages(ctx context.Context, s *Session, u *registry.User) {
	sctx, cancel := d.storeCtx(ctx)
	msgs, err := d.store.GetOfflineMessages(sctx, u.UID)
	cancel()
	if err != nil {
		d.logger.Error().Err(err).Uint32("uid", u.UID).Msg("offline message fetch failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	var delivered []int64
	for _, m := range msgs {
		payload := protocol.NewRecord().
			AddUint("from", uint64(m.FromUID)).
			Add("nickname", m.FromNick).
			Add("text", m.Body).
			AddBool("offline", true).
			AddInt("sent", m.CreatedAt.Unix()).
			Bytes()
		if err := s.Send(protocol.PktIMIn, payload); err != nil {
			break
		}
		delivered = append(delivered, m.ID)
	}

	if len(delivered) > 0 {
		sctx, cancel := d.storeCtx(ctx)
		defer cancel()
		if err := d.store.MarkMessagesAsSent(sctx, delivered); err != nil {
			d.logger.Error().Err(err).Uint32("uid", u.UID).Msg("offline message ack failed")
		}
	}
}
