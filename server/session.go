package server

import (
	"clash-session/message"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Session is one WebSocket client. The server forgets its identity when the
// socket closes.
type Session struct {
	id     string
	ws     *websocket.Conn
	server *Server
	logger *zap.Logger

	writeMu sync.Mutex // one writer at a time, replies come from parallel handlers

	mu     sync.Mutex
	userID int // 0 until login, register or re_login succeeds
}

func (s *Session) ID() string { return s.id }

// UserID returns the authenticated account, or 0.
func (s *Session) UserID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) authenticate(userID int) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.server.bindUser(s, userID)
}

func (s *Session) write(env *message.Envelope) error {
	data, err := s.server.codec.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) close(code int, reason string) {
	s.writeMu.Lock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	s.ws.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	sess := &Session{
		id:     uuid.NewString(),
		ws:     ws,
		server: s,
	}
	sess.logger = s.logger.With(zap.String("session", sess.id))

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.logger.Debug("session opened", zap.String("remote", r.RemoteAddr))
	go s.readLoop(sess)
}

// readLoop reads frames sequentially and runs each request on its own
// goroutine so a slow handler never blocks the socket.
func (s *Server) readLoop(sess *Session) {
	defer s.closeSession(sess)

	sess.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		env := &message.Envelope{}
		if err := s.codec.Decode(data, env); err != nil || env.Type == "" {
			s.sendFault(sess, "", &Fault{Code: "invalid_format", Message: "Invalid message format"})
			continue
		}

		s.wg.Add(1)
		go s.handle(sess, env)
	}
}

func (s *Server) handle(sess *Session, env *message.Envelope) {
	defer s.wg.Done()

	h, ok := s.handler(env.Type)
	if !ok {
		s.sendFault(sess, env.ID, &Fault{Code: "unknown_type", Message: "Unknown message type"})
		return
	}

	reply, err := h(context.Background(), sess, env)
	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			sess.logger.Error("handler failed", zap.String("type", env.Type), zap.Error(err))
			fault = &Fault{Code: "server_error", Message: "Internal server error"}
		}
		s.sendFault(sess, env.ID, fault)
		return
	}
	if reply == nil {
		return
	}

	out, err := message.NewEnvelope(env.ID, reply.Type, reply.Data)
	if err != nil {
		sess.logger.Error("encode reply", zap.String("type", reply.Type), zap.Error(err))
		return
	}
	if err := sess.write(out); err != nil {
		sess.logger.Debug("write reply failed", zap.Error(err))
	}
}

// sendFault answers with the generic "error" tag, echoing id.
func (s *Server) sendFault(sess *Session, id string, fault *Fault) {
	if id == "" {
		id = "unknown"
	}
	env, err := message.NewEnvelope(id, message.TypeError, message.ErrorPayload{Error: fault.Code, Message: fault.Message})
	if err != nil {
		return
	}
	if err := sess.write(env); err != nil {
		sess.logger.Debug("write error reply failed", zap.Error(err))
	}
}

func (s *Server) closeSession(sess *Session) {
	sess.ws.Close()

	s.mu.Lock()
	delete(s.sessions, sess)
	userID := sess.UserID()
	if userID != 0 && s.byUser[userID] == sess {
		delete(s.byUser, userID)
	}
	s.mu.Unlock()

	if userID != 0 {
		s.lobbies.leaveAll(userID)
	}
	sess.logger.Debug("session closed", zap.Int("user_id", userID))
}
