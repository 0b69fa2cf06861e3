package internal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	sendBufferSize  = 256
	maxProtocolErrs = 8
)

// wsSession is the server half of one authenticated connection. It owns
// the websocket, a buffered send queue drained by writePump, and the set
// of rooms this connection joined (for the implicit leave on disconnect).
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	id     Identity
	send   chan []byte
	done   chan struct{}

	dropOnce sync.Once

	// lastActivity is touched by readPump only.
	lastActivity time.Time
}

func newWSSession(server *Server, conn *websocket.Conn, id Identity) *wsSession {
	return &wsSession{
		server: server,
		conn:   conn,
		id:     id,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *wsSession) Identity() Identity {
	return s.id
}

// Deliver queues an envelope for the write pump without blocking. A full
// buffer means this session cannot keep up with its rooms; the registry
// drops it in response. Deliveries after Drop are swallowed, since the
// session may still be a member of other rooms while it winds down.
func (s *wsSession) Deliver(env Envelope) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	payload, err := EncodeEnvelope(env)
	if err != nil {
		log.Printf("encode envelope for %s: %v", s.id.UserID, err)
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Drop ends the session after the registry removed it. Signalling done
// makes writePump send a close frame and tear the socket down, which in
// turn unblocks readPump.
func (s *wsSession) Drop() {
	s.dropOnce.Do(func() {
		close(s.done)
	})
}

func (s *wsSession) readPump(ctx context.Context) {
	defer func() {
		s.server.registry.LeaveAll(ctx, s)
		if s.server.presence.Decrement(s.id.UserID) == 0 {
			s.server.sendLimiter.Forget(s.id.UserID)
		}
		s.server.metrics.DecConn()
		s.Drop()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	protocolErrs := 0
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			// normal close or read error; deferred cleanup runs
			return
		}
		s.lastActivity = time.Now()

		env, err := DecodeEnvelope(payload)
		if err == nil {
			err = env.Validate()
		}
		if err != nil {
			// protocol failures get a connection-level reject; the
			// connection survives unless they keep coming.
			protocolErrs++
			s.Deliver(RejectEnvelope(env.CorrelationID, env.RoomID, err.Error()))
			if protocolErrs >= maxProtocolErrs {
				log.Printf("closing session user=%s after %d protocol errors", s.id.UserID, protocolErrs)
				return
			}
			continue
		}

		switch env.Type {
		case TypeJoin:
			if err := s.server.registry.Join(ctx, s, env.RoomID); err != nil {
				s.Deliver(RejectEnvelope("", env.RoomID, err.Error()))
			}
		case TypeLeave:
			s.server.registry.Leave(ctx, s, env.RoomID)
		case TypeSend:
			if !s.server.sendLimiter.Allow(s.id.UserID) {
				s.Deliver(RejectEnvelope(env.CorrelationID, env.RoomID, "rate limited"))
				continue
			}
			s.server.registry.Accept(ctx, s, env)
		case TypeTyping:
			s.server.registry.Typing(s, env.RoomID, env.Active)
		default:
			// server-only types coming from a client are protocol noise
			protocolErrs++
			s.Deliver(RejectEnvelope(env.CorrelationID, env.RoomID, "unexpected type"))
			if protocolErrs >= maxProtocolErrs {
				return
			}
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
