// Package lobby talks to the HTTP lobby endpoints of the game server. Its
// failures take the same shape as RPC failures so callers handle both alike.
package lobby

import (
	"bytes"
	"clash-session/message"
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Room types understood by the server.
const (
	Room1v1 = "1v1"
	Room2v2 = "2v2"
)

// Operation names used in errors.
const (
	OpCreate = "create_lobby"
	OpJoin   = "join_lobby"
	OpMatch  = "match_lobby"
	OpLeave  = "leave_lobby"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// StoreToken reads the current session token from st.
func StoreToken(st *store.Store) TokenSource {
	return TokenFunc(func() string { return st.Snapshot().Auth.Token })
}

// Request is the body of every lobby call.
type Request struct {
	RoomType string `json:"room_type,omitempty"`
	LobbyID  string `json:"lobby_id,omitempty"`
}

// Lobby is the server's answer to create, join and match.
type Lobby struct {
	ID       string `json:"lobby_id"`
	RoomType string `json:"type"`
	Slot     int    `json:"slot"`
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration // default 5s, applied per request
	Logger     *zap.Logger
}

type Client struct {
	baseURL string
	tokens  TokenSource
	store   *store.Store
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(baseURL string, tokens TokenSource, st *store.Store, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		store:   st,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  opts.Logger.With(zap.String("component", "lobby")),
	}
}

// Create opens a private lobby and joins it.
func (c *Client) Create(ctx context.Context, roomType string) (Lobby, error) {
	var lobby Lobby
	if err := c.post(ctx, OpCreate, "/lobby/create", Request{RoomType: roomType}, &lobby); err != nil {
		return Lobby{}, err
	}
	c.store.SetLobby(lobby.ID)
	return lobby, nil
}

// Join enters an existing lobby by id.
func (c *Client) Join(ctx context.Context, lobbyID, roomType string) (Lobby, error) {
	var lobby Lobby
	if err := c.post(ctx, OpJoin, "/lobby/join", Request{RoomType: roomType, LobbyID: lobbyID}, &lobby); err != nil {
		return Lobby{}, err
	}
	c.store.SetLobby(lobby.ID)
	return lobby, nil
}

// Match joins the first open matchmaking lobby and starts searching.
func (c *Client) Match(ctx context.Context, roomType string) (Lobby, error) {
	var lobby Lobby
	if err := c.post(ctx, OpMatch, "/lobby/match", Request{RoomType: roomType}, &lobby); err != nil {
		return Lobby{}, err
	}
	c.store.BeginSearch(lobby.ID)
	return lobby, nil
}

// Leave exits the lobby and returns the game to idle.
func (c *Client) Leave(ctx context.Context, lobbyID string) error {
	if err := c.post(ctx, OpLeave, "/lobby/leave", Request{LobbyID: lobbyID}, nil); err != nil {
		return err
	}
	c.store.ResetGame()
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, body Request, out any) error {
	err := c.do(ctx, op, path, body, out)
	if err != nil {
		c.store.SetError(rpcerr.UserMessage(err))
		c.logger.Warn("lobby request failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (c *Client) do(ctx context.Context, op, path string, body Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.transportError(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload message.ErrorPayload
		if json.Unmarshal(data, &payload) != nil || (payload.Error == "" && payload.Message == "") {
			payload.Error = fmt.Sprintf("http_%d", resp.StatusCode)
			payload.Message = http.StatusText(resp.StatusCode)
		}
		if payload.Message == "" {
			payload.Message = payload.Error
		}
		return &rpcerr.RemoteRejected{Operation: op, Code: payload.Error, Message: payload.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &rpcerr.RemoteRejected{
			Operation: op,
			Code:      "protocol_violation",
			Message:   "malformed reply from server",
			Cause:     &rpcerr.ProtocolViolation{Type: op, Reason: err.Error()},
		}
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &rpcerr.Timeout{Operation: op, After: c.timeout}
	}
	return &rpcerr.ConnectionLost{Operation: op, Cause: err}
}
