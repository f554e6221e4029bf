package chat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/util"
)

// readBufferSize is the per-connection read chunk size. Frames larger
// than this simply arrive over several reads; the framer reassembles.
const readBufferSize = 4096

// Listener accepts chat connections and runs one session goroutine per
// connection. Idle sessions are cut by the read deadline; more than the
// configured number of simultaneous connections from one address is
// treated as abuse and refused with a forcible close.
type Listener struct {
	cfg    *config.Config
	disp   *Dispatcher
	logger zerolog.Logger

	listener net.Listener

	mu       sync.Mutex
	perIP    map[string]int
	sessions map[*Session]struct{}
}

// NewListener creates the chat listener.
func NewListener(cfg *config.Config, disp *Dispatcher) *Listener {
	return &Listener{
		cfg:      cfg,
		disp:     disp,
		logger:   util.ComponentLogger("chat_listener"),
		perIP:    make(map[string]int),
		sessions: make(map[*Session]struct{}),
	}
}

// Start binds the chat port and accepts connections until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", l.cfg.Server.ChatPort)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind chat listener on %s: %w", addr, err)
	}
	l.listener = listener

	l.logger.Info().Str("addr", addr).Msg("chat listener started")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("chat listener stopping")
				return nil
			default:
				l.logger.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		ip := remoteIP(conn)
		if !l.acquireIP(ip) {
			l.logger.Warn().Str("ip", ip).Msg("too many connections from address, refusing")
			conn.Close()
			continue
		}

		go l.handleConnection(ctx, conn, ip)
	}
}

// Stop closes the listener and every live session.
func (l *Listener) Stop() {
	if l.listener != nil {
		l.listener.Close()
	}

	l.mu.Lock()
	open := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		open = append(open, s)
	}
	l.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

// SessionCount returns the number of live sessions, authenticated or not.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, ip string) {
	flood := newFloodWindow(l.cfg.FloodWindow(),
		l.cfg.Limits.FloodMaxMessages, l.cfg.Limits.FloodMaxRepeats)
	sess := NewSession(conn, flood)

	l.mu.Lock()
	l.sessions[sess] = struct{}{}
	l.mu.Unlock()

	l.logger.Debug().Str("remote", sess.RemoteAddr()).Msg("chat connection accepted")

	defer func() {
		sess.Close()
		l.disp.SessionClosed(ctx, sess)
		l.mu.Lock()
		delete(l.sessions, sess)
		l.mu.Unlock()
		l.releaseIP(ip)
	}()

	buf := make([]byte, readBufferSize)
	idle := l.cfg.ChatIdleTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				l.logger.Info().Str("remote", sess.RemoteAddr()).Msg("chat connection idle, closing")
			} else if sess.State() != StateClosed {
				l.logger.Debug().Err(err).Str("remote", sess.RemoteAddr()).Msg("chat read ended")
			}
			return
		}

		sess.Touch()
		for _, frame := range sess.Push(buf[:n]) {
			l.disp.Dispatch(ctx, sess, frame)
			if sess.State() == StateClosed {
				return
			}
		}
	}
}

func (l *Listener) acquireIP(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.cfg.Limits.MaxConnsPerIP {
		return false
	}
	l.perIP[ip]++
	return true
}

func (l *Listener) releaseIP(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip]--
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
