// Package server is an in-memory game server speaking the client protocol.
// It backs the integration tests and the development binary; it keeps no data
// across restarts and does not simulate combat.
//
// Request processing pipeline:
//
//	GET /ws → upgrade → session.readLoop (single goroutine reads frames)
//	  → for each request: go handle (parallel processing)
//	    → HandlerFunc → reply {id, <op>_success | error} → session.write
//	POST /lobby/* → bearer token → lobby rooms → game_start push when full
package server

import (
	"clash-session/codec"
	"clash-session/message"
	"clash-session/registry"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Reply is a handler's answer. A nil Reply with a nil error sends nothing.
type Reply struct {
	Type string
	Data any
}

// Fault is a handler failure the client sees as an "error" reply.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string { return f.Code + ": " + f.Message }

// HandlerFunc serves one request tag.
type HandlerFunc func(ctx context.Context, s *Session, env *message.Envelope) (*Reply, error)

type Options struct {
	World  *World // nil creates an empty world
	Logger *zap.Logger
}

type Server struct {
	world  *World
	codec  codec.Codec
	logger *zap.Logger
	mux    *chi.Mux

	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	byUser   map[int]*Session

	lobbies *lobbies

	httpServer    *http.Server
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool
	registry      registry.Registry
	service       string
	advertiseAddr string
}

func New(opts Options) *Server {
	if opts.World == nil {
		opts.World = NewWorld()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		world:    opts.World,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		logger:   opts.Logger.With(zap.String("component", "server")),
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[int]*Session),
		lobbies:  newLobbies(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerGameHandlers()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.serveWS)
	r.Route("/lobby", func(r chi.Router) {
		r.Post("/create", s.lobbyCreate)
		r.Post("/join", s.lobbyJoin)
		r.Post("/match", s.lobbyMatch)
		r.Post("/leave", s.lobbyLeave)
	})
	s.mux = r
	s.httpServer = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the HTTP routes, for httptest or an outer mux.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) World() *World { return s.world }

// Handle installs or replaces the handler for a request tag.
func (s *Server) Handle(op string, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[op] = h
}

func (s *Server) handler(op string) (HandlerFunc, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[op]
	return h, ok
}

// Push sends a push message to the session the user is authenticated on.
func (s *Server) Push(userID int, typ string, data any) error {
	s.mu.Lock()
	sess := s.byUser[userID]
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("user %d is not connected", userID)
	}
	env, err := message.NewEnvelope("", typ, data)
	if err != nil {
		return err
	}
	return sess.write(env)
}

// Broadcast pushes to every open session, authenticated or not.
func (s *Server) Broadcast(typ string, data any) {
	env, err := message.NewEnvelope("", typ, data)
	if err != nil {
		s.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	for _, sess := range s.snapshotSessions() {
		if err := sess.write(env); err != nil {
			s.logger.Debug("broadcast write failed", zap.Error(err))
		}
	}
}

// Sessions returns the number of open WebSocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropAll closes every open socket without a close handshake, as a crashed
// server would.
func (s *Server) DropAll() {
	for _, sess := range s.snapshotSessions() {
		sess.ws.Close()
	}
}

func (s *Server) snapshotSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) bindUser(sess *Session, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = sess
}

func (s *Server) userOnline(userID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byUser[userID]
	return ok
}

// Serve listens on address, optionally advertises advertiseAddr under service
// in reg, and blocks until Shutdown.
func (s *Server) Serve(address, advertiseAddr, service string, reg registry.Registry) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	if reg != nil {
		s.mu.Lock()
		s.registry = reg
		s.service = service
		s.advertiseAddr = advertiseAddr
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, service, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, 10)
		cancel()
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", service, err)
		}
		s.logger.Info("registered", zap.String("service", service), zap.String("addr", advertiseAddr))
	}

	s.logger.Info("serving", zap.String("addr", listener.Addr().String()))
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown deregisters first so clients stop picking this server, then stops
// accepting, closes every socket and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	reg, service, addr := s.registry, s.service, s.advertiseAddr
	s.mu.Unlock()
	if reg != nil {
		if err := reg.Deregister(ctx, service, addr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	for _, sess := range s.snapshotSessions() {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
