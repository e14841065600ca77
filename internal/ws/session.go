package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"teamchat/internal/router"
)

// Session is one websocket connection. It owns a bounded outbound queue
// drained by a single writer goroutine.
type Session struct {
	info    ConnInfo
	conn    *websocket.Conn
	log     *zap.Logger
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string

	pingInterval time.Duration
	writeWait    time.Duration
}

func newSession(parent context.Context, conn *websocket.Conn, info ConnInfo, opts Options, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		info:         info,
		conn:         conn,
		log:          log.With(zap.String("session_id", info.ConnID), zap.String("user_id", info.UserID)),
		limiter:      rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		send:         make(chan []byte, opts.SendQueueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: opts.PingInterval,
		writeWait:    opts.WriteWait,
	}
}

func (s *Session) ID() string     { return s.info.ConnID }
func (s *Session) UserID() string { return s.info.UserID }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Enqueue never blocks. A full queue or a closed session reports false.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the session. The first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

// CloseReason returns the reason passed to the first Close.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session is closing.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug("websocket write error", zap.Error(err))
				s.Close("write_error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("ping_error")
				return
			}
		case <-s.done:
			s.drain()
			msg := websocket.FormatCloseMessage(closeCode(s.CloseReason()), s.CloseReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
			return
		}
	}
}

// drain flushes frames queued before the close so a clean shutdown loses nothing.
func (s *Session) drain() {
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case router.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	case "shutdown":
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}
