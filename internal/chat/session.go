// Package chat implements the chat-side TCP listener, the per-connection
// session state machine and the packet dispatcher that drives login,
// room membership, messaging and presence against the registry.
package chat

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
)

// State is the login state of a session.
type State int

const (
	StateConnected State = iota // accepted, not authenticated
	StateLoggedIn               // bound to a registry user
	StateClosed                 // terminal
)

// Session is one accepted chat connection. It owns the connection's
// framer accumulator and, after login, the bound registry user. All
// packet handling for a session runs on its read goroutine, so handler
// work (including store calls) is serialized per connection.
type Session struct {
	mu sync.Mutex

	conn   net.Conn
	framer *protocol.Framer
	flood  *floodWindow
	logger zerolog.Logger

	state        State
	user         *registry.User
	remoteAddr   string
	connectedAt  time.Time
	lastActivity time.Time
}

// NewSession wraps an accepted connection. The flood window is owned by
// the session so message-rate state dies with the connection.
func NewSession(conn net.Conn, flood *floodWindow) *Session {
	now := time.Now()
	return &Session{
		conn:         conn,
		framer:       protocol.NewFramer(),
		flood:        flood,
		remoteAddr:   conn.RemoteAddr().String(),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "session").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Send encodes and writes one frame as a single write.
func (s *Session) Send(packetType int16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return fmt.Errorf("session is closed")
	}

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.conn.Write(protocol.Encode(packetType, payload)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.lastActivity = time.Now()
	return nil
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.logger.Debug().Msg("session closed")
	return s.conn.Close()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BindUser transitions the session to LoggedIn with the given user.
func (s *Session) BindUser(u *registry.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
	s.state = StateLoggedIn
	s.logger = log.With().
		Str("component", "session").
		Str("remote", s.remoteAddr).
		Uint32("uid", u.UID).
		Str("nickname", u.Nickname).
		Logger()
}

// User returns the bound user, nil until login completes.
func (s *Session) User() *registry.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// RemoteAddr returns the remote host:port of the connection.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// RemoteIP returns the remote host without the port.
func (s *Session) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.remoteAddr)
	if err != nil {
		return s.remoteAddr
	}
	return host
}

// Touch records read activity for idle tracking.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last read/write activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Push feeds an inbound chunk to the session's framer.
func (s *Session) Push(chunk []byte) []protocol.Frame {
	return s.framer.Push(chunk)
}
