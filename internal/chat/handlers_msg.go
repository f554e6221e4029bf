package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/store"
)

// sanitizeMessage strips control characters and caps the length.
func sanitizeMessage(text string, maxLen int) string {
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

// handleIM routes an instant message to the recipient's live connection,
// or persists it as an offline message. Lines starting with '/' are the
// admin command mini-language.
func (d *Dispatcher) handleIM(ctx context.Context, s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		d.logger.Debug().Str("remote", s.RemoteAddr()).Msg("IM before login, dropping")
		return
	}

	fields := protocol.ParseRecord(payload)
	text := sanitizeMessage(fields["text"], d.cfg.Limits.MaxMessageLen)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		d.handleAdminCommand(ctx, s, text)
		return
	}

	to := fields["to"]
	if to == "" {
		d.logger.Debug().Uint32("uid", u.UID).Msg("IM without recipient, dropping")
		return
	}

	if !s.flood.Allow(text, time.Now()) {
		d.logger.Info().Uint32("uid", u.UID).Msg("IM suppressed by flood window")
		return
	}

	msg := protocol.NewRecord().
		AddUint("from", uint64(u.UID)).
		Add("nickname", u.Nickname).
		Add("text", text).
		Bytes()

	if recipient, online := d.reg.UserByNickname(to); online {
		if recipient.IsBlocked(u.UID) {
			return // silently ignored, sender learns nothing
		}
		if err := recipient.Send(protocol.PktIMIn, msg); err != nil {
			d.logger.Warn().Err(err).Uint32("to", recipient.UID).Msg("IM delivery failed")
		}
		return
	}

	// Recipient offline: persist for delivery at next login.
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	rec, err := d.store.GetUserByNickname(sctx, to)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error().Err(err).Str("to", to).Msg("IM recipient lookup failed")
		}
		return
	}
	if _, blocked := rec.Blocked[u.UID]; blocked {
		return
	}

	err = d.store.StoreOfflineMessage(sctx, &store.OfflineMessage{
		ToUID:    rec.UID,
		FromUID:  u.UID,
		FromNick: u.Nickname,
		Body:     text,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("to", to).Msg("offline message store failed")
	}
}

// handlePresence switches the user's presence mode and re-broadcasts it,
// but only to connections whose buddy list contains this user.
func (d *Dispatcher) handlePresence(s *Session, mode int) {
	u := s.User()
	if u == nil {
		return
	}
	if !u.SetMode(mode) {
		return // no change, no broadcast
	}
	d.broadcastPresence(u.UID, mode)
}

// handleBuddyAdd adds a {uid, nickname} entry to the user's buddy list
// and persists the updated list. The relationship is unidirectional.
func (d *Dispatcher) handleBuddyAdd(ctx context.Context, s *Session, payload []byte) {
	u := s.User()
	if u == nil {
		return
	}

	fields := protocol.ParseRecord(payload)
	nickname := fields["nickname"]
	if nickname == "" {
		d.logger.Debug().Uint32("uid", u.UID).Msg("buddy add without nickname, dropping")
		return
	}

	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	rec, err := d.store.GetUserByNickname(sctx, nickname)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error().Err(err).Str("nickname", nickname).Msg("buddy lookup failed")
		}
		return
	}
	if rec.UID == u.UID {
		return // no self-buddies
	}

	u.AddBuddy(rec.UID, rec.Nickname)
	if err := d.store.UpdateUserBuddies(sctx, u.UID, u.Buddies()); err != nil {
		d.logger.Error().Err(err).Uint32("uid", u.UID).Msg("buddy list persist failed")
	}

	// No status frame here: the adder learns the buddy's mode from the
	// login-time sweep and from subsequent presence broadcasts, so a
	// mode change after an add produces exactly one STATUS_CHANGE.
}
