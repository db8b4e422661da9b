// Package auth drives the login, registration and re-login handshakes and
// keeps the authentication state machine:
//
//	Anonymous ──login/register/re_login──→ Authenticating ──ok──→ Authenticated
//	    ↑                                       │ failed                 │
//	    └───────────────────────────────────────┘ (back to previous)     │
//	    └────────────────────── logout / failed re-login ────────────────┘
//
// The server forgets a socket's identity when it closes, so every new
// connection is re-authenticated with the stored token.
package auth

import (
	"clash-session/message"
	"clash-session/router"
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAuthInProgress = errors.New("authentication already in progress")
	ErrNoSession      = errors.New("no stored session")
	ErrLoggedOut      = errors.New("logged out during authentication")
)

type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Connector opens and closes the server connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Caller performs one request/response exchange.
type Caller interface {
	Call(ctx context.Context, op string, args any, reply any, timeout time.Duration) error
}

type Options struct {
	Timeout time.Duration // per request; 0 uses the caller's default
	Logger  *zap.Logger
}

type Controller struct {
	conn   Connector
	rpc    Caller
	store  *store.Store
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	state State
	epoch uint64 // bumped by Logout

	// commit serializes the end of an exchange with Logout so a late
	// result cannot write over a cleared session.
	commit sync.Mutex

	unbind func()
}

// NewController subscribes to the "connect" pseudo-event on r so a stored
// token is replayed on every new connection.
func NewController(conn Connector, rpc Caller, st *store.Store, r *router.Router, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Controller{
		conn:   conn,
		rpc:    rpc,
		store:  st,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "auth")),
	}
	c.unbind = r.OnMessage(message.TypeConnect, c.onConnect)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops listening for connect events.
func (c *Controller) Close() {
	c.unbind()
}

// Login authenticates with e-mail and password.
func (c *Controller) Login(ctx context.Context, gmail, password string) error {
	return c.authenticate(ctx, message.TypeLogin, &message.LoginRequest{Gmail: gmail, Password: password})
}

// Register creates an account and authenticates as it.
func (c *Controller) Register(ctx context.Context, gmail, username, password string) error {
	return c.authenticate(ctx, message.TypeRegister, &message.RegisterRequest{
		Gmail:    gmail,
		Username: username,
		Password: password,
	})
}

func (c *Controller) authenticate(ctx context.Context, op string, args any) error {
	prev, epoch, ok := c.begin()
	if !ok {
		return ErrAuthInProgress
	}
	c.store.ClearAuthError()
	c.store.SetAuthLoading(true)

	if err := c.conn.Connect(ctx); err != nil {
		return c.fail(op, prev, epoch, err)
	}

	var creds message.Credentials
	if err := c.rpc.Call(ctx, op, args, &creds, c.opts.Timeout); err != nil {
		return c.fail(op, prev, epoch, err)
	}
	return c.succeed(op, epoch, creds)
}

// ReLogin authenticates with a token from an earlier session. Any failure
// drops back to anonymous and forgets the session.
func (c *Controller) ReLogin(ctx context.Context, token string) error {
	_, epoch, ok := c.begin()
	if !ok {
		return ErrAuthInProgress
	}
	c.store.SetAuthLoading(true)

	if err := c.conn.Connect(ctx); err != nil {
		return c.demote(epoch, err)
	}
	return c.reLogin(ctx, epoch, token)
}

// Resume connects and re-logs in with the persisted token.
func (c *Controller) Resume(ctx context.Context) error {
	token := c.store.Snapshot().Auth.Token
	if token == "" {
		return ErrNoSession
	}
	return c.ReLogin(ctx, token)
}

// Logout closes the connection and clears the session whatever state the
// controller is in. An exchange still in flight is abandoned: its result is
// discarded and it returns ErrLoggedOut or its own error.
func (c *Controller) Logout() error {
	err := c.conn.Disconnect()

	c.commit.Lock()
	defer c.commit.Unlock()
	c.mu.Lock()
	c.epoch++
	c.state = StateAnonymous
	c.mu.Unlock()

	c.store.Logout()
	c.logger.Info("logged out")
	return err
}

func (c *Controller) reLogin(ctx context.Context, epoch uint64, token string) error {
	var creds message.Credentials
	if err := c.rpc.Call(ctx, message.TypeReLogin, &message.ReLoginRequest{Token: token}, &creds, c.opts.Timeout); err != nil {
		return c.demote(epoch, err)
	}
	if creds.Token == "" {
		creds.Token = token
	}
	return c.succeed(message.TypeReLogin, epoch, creds)
}

// onConnect runs on the connection's goroutine, so the exchange itself is
// moved off it.
func (c *Controller) onConnect(*message.Envelope) {
	token := c.store.Snapshot().Auth.Token
	if token == "" {
		return
	}
	if c.State() == StateAuthenticating {
		// Login, Register or ReLogin opened this connection and is about to authenticate.
		return
	}

	go func() {
		ctx := context.Background()
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 2*c.opts.Timeout)
			defer cancel()
		}
		if err := c.ReLogin(ctx, token); err != nil && !errors.Is(err, ErrAuthInProgress) {
			c.logger.Warn("automatic re-login failed", zap.Error(err))
		}
	}()
}

// begin enters Authenticating unless an exchange is already running.
func (c *Controller) begin() (prev State, epoch uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticating {
		return c.state, c.epoch, false
	}
	prev = c.state
	c.state = StateAuthenticating
	return prev, c.epoch, true
}

// settle takes the commit lock and applies next if no Logout happened since
// the exchange began. The caller must unlock commit when ok.
func (c *Controller) settle(epoch uint64, next State) (ok bool) {
	c.commit.Lock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.commit.Unlock()
		return false
	}
	c.state = next
	return true
}

func (c *Controller) succeed(op string, epoch uint64, creds message.Credentials) error {
	if !c.settle(epoch, StateAuthenticated) {
		c.logger.Info("discarding credentials after logout", zap.String("via", op))
		return ErrLoggedOut
	}
	defer c.commit.Unlock()

	c.store.SetCredentials(creds.Token, creds.Username)
	c.logger.Info("authenticated", zap.String("via", op), zap.String("username", creds.Username))
	return nil
}

// fail restores the previous state and leaves the session alone.
func (c *Controller) fail(op string, prev State, epoch uint64, err error) error {
	if !c.settle(epoch, prev) {
		return err
	}
	defer c.commit.Unlock()

	c.store.SetAuthLoading(false)
	c.store.SetAuthError(rpcerr.UserMessage(err))
	c.logger.Info("authentication failed", zap.String("via", op), zap.Error(err))
	return err
}

func (c *Controller) demote(epoch uint64, err error) error {
	if !c.settle(epoch, StateAnonymous) {
		return err
	}
	defer c.commit.Unlock()

	c.store.Logout()
	c.logger.Info("re-login failed, session cleared", zap.Error(err))
	return err
}
