// Package transport owns the single WebSocket link to the game server.
//
// Conn turns the socket into a stream of decoded envelopes. One goroutine
// (readLoop) reads frames in arrival order and hands each one to the handler;
// writers share the socket behind a mutex so frames never interleave.
//
//	caller-1 ──Send──┐
//	caller-2 ──Send──┼──→ single WebSocket ──→ game server
//	pingLoop ──ping──┘
//
//	readLoop:  ←── frame → codec → handler (client correlator, then router)
//
// Lifecycle changes reach the handler as the "connect" and "disconnect"
// pseudo-events, dispatched exactly like server pushes.
package transport

import (
	"clash-session/codec"
	"clash-session/message"
	"clash-session/rpcerr"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle state of the link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrConnectAborted is returned by a Connect that a concurrent Disconnect
// overtook.
var ErrConnectAborted = errors.New("transport: connect aborted by disconnect")

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	errorBuffer           = 16
)

// Params configures a Conn. Zero values fall back to sensible defaults.
type Params struct {
	Resolver       Resolver
	Codec          codec.Codec
	Dialer         *websocket.Dialer
	Header         http.Header
	WriteWait      time.Duration // Time allowed to write a message to the peer
	PongWait       time.Duration // Time allowed to read the next pong from the peer
	PingPeriod     time.Duration // Must be less than PongWait
	MaxMessageSize int64
	Reconnect      ReconnectPolicy
	Logger         *zap.Logger
}

func (p *Params) setDefaults() {
	if p.Codec == nil {
		p.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if p.Dialer == nil {
		p.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if p.WriteWait <= 0 {
		p.WriteWait = defaultWriteWait
	}
	if p.PongWait <= 0 {
		p.PongWait = defaultPongWait
	}
	if p.PingPeriod <= 0 || p.PingPeriod >= p.PongWait {
		p.PingPeriod = (p.PongWait * 9) / 10
	}
	if p.MaxMessageSize <= 0 {
		p.MaxMessageSize = defaultMaxMessageSize
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	p.Reconnect.setDefaults()
}

// link is one open socket. A reconnect creates a new link; the old one is
// never reused.
type link struct {
	ws       *websocket.Conn
	addr     string
	writeMu  sync.Mutex // serialises writes, including pings and the close frame
	done     chan struct{}
	teardown sync.Once
}

// Conn is the process-wide connection to the game server.
type Conn struct {
	params Params
	logger *zap.Logger

	connectMu sync.Mutex // serialises Connect; the second caller sees the live link

	mu              sync.Mutex
	link            *link
	addr            string
	state           State
	reconnectCancel context.CancelFunc
	connectCancel   context.CancelFunc // aborts the dial in progress
	epoch           uint64             // bumped by Disconnect

	handler atomic.Pointer[func(*message.Envelope)]
	errs    chan error
}

func NewConn(params Params) *Conn {
	params.setDefaults()
	return &Conn{
		params: params,
		logger: params.Logger.With(zap.String("component", "transport")),
		errs:   make(chan error, errorBuffer),
	}
}

// SetHandler installs the sink for inbound envelopes and pseudo-events.
// It is called on the read goroutine, so it must not block for long.
func (c *Conn) SetHandler(h func(*message.Envelope)) {
	c.handler.Store(&h)
}

// Errors reports asynchronous failures: dial and read errors, malformed frames
// and reconnect exhaustion. Errors are dropped when the buffer is full.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the address of the current (or last) link.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Connect opens the link if it is not already open. The "connect" pseudo-event
// is dispatched before any server message is read. A Disconnect issued while
// the dial is in progress aborts it and Connect returns ErrConnectAborted.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.connectCancel = cancel
	epoch := c.epoch
	c.mu.Unlock()

	l, err := c.dial(ctx)

	c.mu.Lock()
	c.connectCancel = nil
	aborted := c.epoch != epoch
	if err == nil && !aborted {
		c.link = l
		c.addr = l.addr
		c.state = StateConnected
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if aborted {
		if l != nil {
			l.ws.Close()
		}
		c.logger.Info("connect aborted by disconnect")
		return ErrConnectAborted
	}
	if err != nil {
		c.reportError(err)
		return err
	}

	c.logger.Info("connected", zap.String("addr", l.addr))
	c.deliver(pseudoEvent(message.TypeConnect, nil))

	go c.readLoop(l)
	go c.pingLoop(l)
	return nil
}

func (c *Conn) dial(ctx context.Context) (*link, error) {
	if c.params.Resolver == nil {
		return nil, errors.New("transport: no resolver configured")
	}
	addr, err := c.params.Resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}

	ws, resp, err := c.params.Dialer.DialContext(ctx, addr, c.params.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", addr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	ws.SetReadLimit(c.params.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.params.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.params.PongWait))
		return nil
	})

	return &link{ws: ws, addr: addr, done: make(chan struct{})}, nil
}

// Disconnect closes the link on purpose. It is idempotent, stops any reconnect
// in progress, and has dispatched the "disconnect" pseudo-event by the time it
// returns.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.epoch++
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	l.writeMu.Lock()
	err := l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(c.params.WriteWait))
	l.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("close frame not sent", zap.Error(err))
	}

	c.closeLink(l, nil, true)
	return nil
}

// Send encodes env and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, env *message.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return rpcerr.ErrNotConnected
	}

	data, err := c.params.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	deadline := time.Now().Add(c.params.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	l.ws.SetWriteDeadline(deadline)
	err = l.ws.WriteMessage(websocket.TextMessage, data)
	l.writeMu.Unlock()

	if err != nil {
		return &rpcerr.ConnectionLost{Operation: env.Type, Cause: err}
	}
	return nil
}

// readLoop is the only reader of the socket. Frames are delivered in arrival order.
func (c *Conn) readLoop(l *link) {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			c.closeLink(l, err, false)
			return
		}

		var env message.Envelope
		if err := c.params.Codec.Decode(data, &env); err != nil {
			c.reportError(&rpcerr.ProtocolViolation{Reason: "undecodable frame: " + err.Error()})
			continue
		}
		c.deliver(&env)
	}
}

// pingLoop keeps the link alive; a failed ping tears it down.
func (c *Conn) pingLoop(l *link) {
	ticker := time.NewTicker(c.params.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.params.WriteWait))
			l.writeMu.Unlock()
			if err != nil {
				c.closeLink(l, err, false)
				return
			}
		}
	}
}

// closeLink tears l down exactly once and dispatches "disconnect". The link is
// detached before the dispatch, so a Disconnect issued from a disconnect
// handler finds nothing to close.
func (c *Conn) closeLink(l *link, cause error, explicit bool) {
	l.teardown.Do(func() {
		close(l.done)

		c.mu.Lock()
		if c.link == l {
			c.link = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		l.ws.Close()

		reason := "closed by client"
		if !explicit {
			reason = "connection lost"
			if cause != nil {
				reason = cause.Error()
			}
		}
		c.logger.Info("disconnected",
			zap.String("addr", l.addr),
			zap.Bool("explicit", explicit),
			zap.String("reason", reason))

		c.deliver(pseudoEvent(message.TypeDisconnect, &message.DisconnectPayload{
			Reason:   reason,
			Explicit: explicit,
		}))

		if explicit {
			return
		}
		if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.reportError(&rpcerr.ConnectionLost{Operation: "read", Cause: cause})
		}
		c.startReconnect()
	})
}

func (c *Conn) deliver(env *message.Envelope) {
	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(env)
	}
}

func (c *Conn) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("error channel full, dropping", zap.Error(err))
	}
}

func pseudoEvent(typ string, data any) *message.Envelope {
	env, err := message.NewEnvelope("", typ, data)
	if err != nil {
		return &message.Envelope{Type: typ}
	}
	return env
}
