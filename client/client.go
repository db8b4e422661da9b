// Package client turns the asynchronous message stream into request/response calls.
//
// Every request gets a fresh correlation id. The client keeps a pending table
// id → waiter; the transport's read goroutine hands each inbound envelope to
// handleInbound, which resolves the matching waiter or, for pushes, passes the
// envelope on to the router.
//
//	caller ──Call(login)──→ pending[id] ──Send──→ server
//	readLoop ←── login_success{id} → pending[id] → caller wakes up
//	readLoop ←── game_end          → router.Dispatch
//
// Each call resolves exactly once: success, rejection, timeout, lost
// connection or context cancellation, whichever removes the pending entry first.
package client

import (
	"clash-session/message"
	"clash-session/middleware"
	"clash-session/protocol"
	"clash-session/router"
	"clash-session/rpcerr"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// Transport is the part of the connection the client needs.
type Transport interface {
	Send(ctx context.Context, env *message.Envelope) error
	SetHandler(h func(*message.Envelope))
}

type Options struct {
	DefaultTimeout time.Duration // used when a call passes timeout <= 0
	Logger         *zap.Logger
}

type result struct {
	reply *message.Envelope
	err   error
}

type pending struct {
	operation string
	done      chan result // buffered, receives exactly one result
}

type Client struct {
	transport Transport
	router    *router.Router
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending

	chainMu     sync.RWMutex
	middlewares []middleware.Middleware
	invoke      middleware.Invoker
}

// NewClient installs itself as the transport's inbound handler. Pushes and
// pseudo-events are forwarded to r.
func NewClient(t Transport, r *router.Router, opts Options) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		transport: t,
		router:    r,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "correlator")),
		pending:   make(map[string]*pending),
	}
	c.invoke = c.roundTrip
	t.SetHandler(c.handleInbound)
	return c
}

// Use appends middlewares to the request path. The first middleware ever
// added is the outermost.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	c.middlewares = append(c.middlewares, mws...)
	c.invoke = middleware.Chain(c.middlewares...)(c.roundTrip)
}

// Call sends op and blocks until it resolves. On success the reply data is
// decoded into reply (when non-nil).
func (c *Client) Call(ctx context.Context, op string, args any, reply any, timeout time.Duration) error {
	env, err := c.do(ctx, &message.Request{Operation: op, Args: args, Timeout: timeout})
	if err != nil {
		return err
	}
	return decodeReply(op, env, reply)
}

// Go sends op asynchronously. It never fails synchronously: the outcome is
// delivered on the returned Call's Done channel.
func (c *Client) Go(ctx context.Context, op string, args any, timeout time.Duration) *Call {
	call := &Call{
		Operation: op,
		Args:      args,
		Done:      make(chan *Call, 1),
	}
	go func() {
		call.Reply, call.Error = c.do(ctx, &message.Request{Operation: op, Args: args, Timeout: timeout})
		call.Done <- call
	}()
	return call
}

// Notify sends op without waiting for a reply. A failure the server reports
// later arrives as an "error" push.
func (c *Client) Notify(ctx context.Context, op string, args any) error {
	env, err := message.NewEnvelope(uuid.NewString(), op, args)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, env); err != nil {
		return sendError(op, err)
	}
	return nil
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) do(ctx context.Context, req *message.Request) (*message.Envelope, error) {
	c.chainMu.RLock()
	invoke := c.invoke
	c.chainMu.RUnlock()
	return invoke(ctx, req)
}

// roundTrip is the innermost invoker: register, send, wait.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Envelope, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	id := uuid.NewString()
	env, err := message.NewEnvelope(id, req.Operation, req.Args)
	if err != nil {
		return nil, err
	}

	// Register before sending so a fast reply always finds its waiter.
	p := &pending{operation: req.Operation, done: make(chan result, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.transport.Send(ctx, env); err != nil {
		if c.take(id) == nil {
			// Resolved concurrently (e.g. by a disconnect); that result wins.
			r := <-p.done
			return r.reply, r.err
		}
		return nil, sendError(req.Operation, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.reply, r.err
	case <-timer.C:
		if c.take(id) != nil {
			return nil, &rpcerr.Timeout{Operation: req.Operation, After: timeout}
		}
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
	}
	// Lost the race to a resolver that already removed the entry.
	r := <-p.done
	return r.reply, r.err
}

// take removes and returns the pending entry for id, or nil if it is gone.
func (c *Client) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// handleInbound runs on the transport's read goroutine.
func (c *Client) handleInbound(env *message.Envelope) {
	switch env.Type {
	case message.TypeDisconnect:
		var payload message.DisconnectPayload
		if err := env.Decode(&payload); err != nil {
			c.logger.Warn("undecodable disconnect payload", zap.Error(err))
		}
		c.failAll(payload.Reason)
		c.router.Dispatch(env)
		return
	case message.TypeConnect:
		c.router.Dispatch(env)
		return
	}

	if err := protocol.Validate(env); err != nil {
		c.logger.Warn("dropping inbound message", zap.Error(err))
		return
	}

	if env.ID != "" {
		if p := c.take(env.ID); p != nil {
			c.resolve(p, env)
			return
		}
	}

	if protocol.IsReply(env.Type) {
		c.logger.Debug("dropping reply without pending call",
			zap.String("type", env.Type),
			zap.String("id", env.ID))
		return
	}
	c.router.Dispatch(env)
}

func (c *Client) resolve(p *pending, env *message.Envelope) {
	if protocol.ReplyOutcome(env.Type) == protocol.OutcomeError {
		p.done <- result{err: protocol.Rejection(p.operation, env)}
		return
	}
	p.done <- result{reply: env}
}

// failAll fails every pending call with ConnectionLost.
func (c *Client) failAll(reason string) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	var cause error
	if reason != "" {
		cause = errors.New(reason)
	}
	c.logger.Info("failing pending calls", zap.Int("count", len(failed)), zap.String("reason", reason))
	for _, p := range failed {
		p.done <- result{err: &rpcerr.ConnectionLost{Operation: p.operation, Cause: cause}}
	}
}

func sendError(op string, err error) error {
	if errors.Is(err, rpcerr.ErrNotConnected) || errors.Is(err, rpcerr.ErrConnectionLost) {
		var lost *rpcerr.ConnectionLost
		if errors.As(err, &lost) {
			return lost
		}
		return &rpcerr.ConnectionLost{Operation: op, Cause: err}
	}
	return err
}

func decodeReply(op string, env *message.Envelope, reply any) error {
	if reply == nil || env == nil {
		return nil
	}
	if err := env.Decode(reply); err != nil {
		return &rpcerr.RemoteRejected{
			Operation: op,
			Code:      "protocol_violation",
			Message:   "malformed reply from server",
			Cause:     &rpcerr.ProtocolViolation{Type: env.Type, Reason: err.Error()},
		}
	}
	return nil
}
