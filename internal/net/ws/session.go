package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"entity-scale/server/internal/world"
)

// ErrSessionClosed is returned by Send after the session was closed.
var ErrSessionClosed = errors.New("ws: session closed")

// Session is an observer connection. Entity packets go out as binary
// frames; control replies as text frames.
type Session struct {
	id           world.ConnectionID
	conn         *websocket.Conn
	writeTimeout time.Duration
	seq          atomic.Uint32

	mu     sync.Mutex
	closed bool
}

var _ world.Connection = (*Session)(nil)

func newSession(id world.ConnectionID, conn *websocket.Conn, writeTimeout time.Duration) *Session {
	return &Session{id: id, conn: conn, writeTimeout: writeTimeout}
}

func (s *Session) ID() world.ConnectionID { return s.id }

// NextEntityUpdate issues the next entity update sequence number.
func (s *Session) NextEntityUpdate() uint32 { return s.seq.Add(1) }

// LastEntityUpdate reports the last issued sequence number.
func (s *Session) LastEntityUpdate() uint32 { return s.seq.Load() }

func (s *Session) Send(packet []byte) error {
	return s.WriteMessage(websocket.BinaryMessage, packet)
}

// WriteMessage serializes writes from the loop goroutine and the session's
// read goroutine.
func (s *Session) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a close frame and releases the socket.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	message := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return s.conn.Close()
}
