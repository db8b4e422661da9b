// Package core builds the session layer: one connection, one router, one
// correlator and one store per process, wired into the auth, game and lobby
// services that share them.
//
//	Conn ──inbound──→ Client ──pushes──→ Router ──→ auth / game handlers
//	  ↑                 │                              │
//	  └──────Send───────┘                              └──→ Store ←── lobby
package core

import (
	"clash-session/auth"
	"clash-session/client"
	"clash-session/config"
	"clash-session/game"
	"clash-session/loadbalance"
	"clash-session/lobby"
	"clash-session/message"
	"clash-session/middleware"
	"clash-session/registry"
	"clash-session/router"
	"clash-session/store"
	"clash-session/transport"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const retryBaseDelay = 100 * time.Millisecond

type Options struct {
	// Persistence overrides the session file named in the config.
	Persistence store.SessionPersistence
	// Registry overrides the etcd registry built from the config's endpoints.
	Registry registry.Registry
	// OnCardPlayed receives card_played pushes.
	OnCardPlayed func(message.CardPlayed)
}

type Session struct {
	Config *config.Config
	Logger *zap.Logger

	Conn   *transport.Conn
	Router *router.Router
	Client *client.Client
	Store  *store.Store
	Auth   *auth.Controller
	Game   *game.Service
	Lobby  *lobby.Client

	ownedRegistry *registry.EtcdRegistry
	cancel        context.CancelFunc
	closers       []func()
}

// New constructs and wires every component. Nothing is dialed until a
// login, registration or Resume.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{Config: cfg, Logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	persist := opts.Persistence
	if persist == nil {
		if cfg.SessionFile != "" {
			persist = store.NewFilePersistence(cfg.SessionFile)
		} else {
			persist = &store.MemoryPersistence{}
		}
	}
	s.Store = store.NewStore(persist, logger)

	resolver, err := s.resolver(ctx, opts.Registry)
	if err != nil {
		cancel()
		if s.ownedRegistry != nil {
			s.ownedRegistry.Close()
		}
		return nil, err
	}

	s.Router = router.NewRouter(logger)
	s.Conn = transport.NewConn(transport.Params{
		Resolver: resolver,
		Reconnect: transport.ReconnectPolicy{
			Enabled:     cfg.Reconnect,
			MaxAttempts: cfg.ReconnectAttempts,
			Jitter:      true,
		},
		Logger: logger,
	})
	s.Client = client.NewClient(s.Conn, s.Router, client.Options{
		DefaultTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	s.Client.Use(
		middleware.LoggingMiddleware(logger),
		middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
		middleware.RetryMiddleware(cfg.Retries, retryBaseDelay, logger,
			message.TypeGetUserCards, message.TypeGetUserDeck),
		middleware.TimeoutMiddleware(cfg.RequestTimeout),
	)

	s.Auth = auth.NewController(s.Conn, s.Client, s.Store, s.Router, auth.Options{Logger: logger})
	s.Game = game.NewService(s.Client, s.Store, game.Options{
		Logger:       logger,
		OnCardPlayed: opts.OnCardPlayed,
	})
	s.closers = append(s.closers, s.Game.Bind(s.Router), s.Auth.Close)

	if cfg.LobbyURL != "" {
		s.Lobby = lobby.NewClient(cfg.LobbyURL, lobby.StoreToken(s.Store), s.Store, lobby.Options{
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		})
	}

	go s.watchErrors(ctx)
	return s, nil
}

// resolver picks the static server URL or, with a registry, a balanced
// discovery resolver kept fresh by a watch.
func (s *Session) resolver(ctx context.Context, reg registry.Registry) (transport.Resolver, error) {
	cfg := s.Config
	if reg == nil && cfg.UseRegistry() {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, 5*time.Second, s.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		s.ownedRegistry = etcd
		reg = etcd
	}
	if reg == nil {
		return transport.StaticResolver(cfg.ServerURL), nil
	}

	balancer, err := loadbalance.New(cfg.Balancer, s.Store.Snapshot().Auth.Username)
	if err != nil {
		return nil, err
	}
	if affinity, ok := balancer.(*loadbalance.AffinityBalancer); ok {
		// Keep a player on the same server across reconnects.
		s.closers = append(s.closers, s.Store.Subscribe(func(st store.State) {
			affinity.SetKey(st.Auth.Username)
		}))
	}

	r := &transport.RegistryResolver{
		Registry: reg,
		Balancer: balancer,
		Service:  cfg.Service,
		Logger:   s.Logger,
	}
	r.Watch(ctx)
	return r, nil
}

func (s *Session) watchErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.Conn.Errors():
			if errors.Is(err, transport.ErrReconnectExhausted) {
				s.Logger.Error("connection lost for good", zap.Error(err))
				continue
			}
			s.Logger.Warn("connection error", zap.Error(err))
		}
	}
}

// Close disconnects and releases every subscription. The stored session is
// kept so the next run can Resume.
func (s *Session) Close() error {
	err := s.Conn.Disconnect()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.cancel()
	if s.ownedRegistry != nil {
		err = errors.Join(err, s.ownedRegistry.Close())
	}
	return err
}
