// Package realtime implements the room-scoped fan-out layer: websocket
// sessions, the room registry and the broadcaster, plus a Redis bridge
// for multi-process deployments.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/observability"
)

// Conn is the subset of *websocket.Conn a session writes through.
// Narrowed to an interface so tests can capture frames.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one live client connection. A single writer goroutine
// drains the buffered send queue, so enqueue order is delivery order
// and publishers never block on a slow consumer.
type Session struct {
	id   string
	conn Conn
	send chan models.Envelope
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func NewSession(id string, conn Conn, buffer int, log *slog.Logger) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:   id,
		conn: conn,
		send: make(chan models.Envelope, buffer),
		done: make(chan struct{}),
		log:  log,
	}
	go s.writeLoop()
	return s
}

func (s *Session) ID() string { return s.id }

// Enqueue hands a frame to the writer without blocking. A full queue
// means the consumer is too slow; the frame is dropped and counted.
func (s *Session) Enqueue(env models.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		observability.BroadcastDropsTotal.Inc()
		s.log.Warn("send queue full, frame dropped", "session_id", s.id, "event", env.Event)
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			_ = s.conn.Close()
			return
		case env := <-s.send:
			if err := s.conn.WriteJSON(env); err != nil {
				s.log.Debug("write failed, closing session", "session_id", s.id, "error", err)
				s.Close()
			}
		}
	}
}

// Close shuts the writer down. Safe to call more than once and from
// any goroutine.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}
