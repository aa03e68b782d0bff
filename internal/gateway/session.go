package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Proton-105/xo-arena/internal/event"
	"github.com/Proton-105/xo-arena/internal/i18n"
)

// Conn is a message-oriented client connection. ReadMessage blocks until a
// frame arrives; the other methods are called from a single writer goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Session is one open connection of a user. A user may hold several.
type Session struct {
	ID     string
	UserID string

	tr   i18n.Translator
	conn Conn
	log  *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id, userID string, conn Conn, tr i18n.Translator, buffer int, log *slog.Logger) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:     id,
		UserID: userID,
		tr:     tr,
		conn:   conn,
		log:    log.With(slog.String("session_id", id), slog.String("user_id", userID)),
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues ev for delivery. A client that cannot keep up with its buffer is
// disconnected. It reports whether the event was queued.
func (s *Session) Send(ev event.Outbound) bool {
	data, err := event.Encode(ev)
	if err != nil {
		s.log.Error("failed to encode outbound event", slog.String("event", ev.EventName()), slog.Any("error", err))
		return false
	}
	return s.send(data)
}

func (s *Session) send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	default:
		s.log.Warn("outbound buffer full, closing slow session")
		s.Close()
		return false
	}
}

// Close terminates the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed once the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) writeLoop(pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.WriteMessage(data); err != nil {
				s.log.Debug("write failed", slog.Any("error", err))
				s.Close()
				return
			}
		case <-ping:
			if err := s.conn.Ping(); err != nil {
				s.log.Debug("ping failed", slog.Any("error", err))
				s.Close()
				return
			}
		}
	}
}
