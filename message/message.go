// Package message defines the envelope exchanged with the game server and the
// payloads carried inside it.
//
// Envelope is the "frame" for every message in both directions. It gets
// serialized by the codec layer and written as one WebSocket text message.
//
//   - On request:  ID is a fresh correlation id, Type is the operation tag, Data the args.
//   - On reply:    ID echoes the request id, Type is "<op>_success", "<op>_error" or "error".
//   - On push:     ID is empty (or not pending), Type is a push tag such as "game_end".
package message

import (
	"encoding/json"
	"time"
)

// Envelope carries the data for a single message on the wire.
type Envelope struct {
	ID   string          `json:"id,omitempty"` // Correlation id, echoed by the server on replies
	Type string          `json:"type"`         // Operation, reply or push tag
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data and wraps it in an envelope.
func NewEnvelope(id, typ string, data any) (*Envelope, error) {
	env := &Envelope{ID: id, Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Request is an outbound RPC call as seen by the client middleware chain.
type Request struct {
	Operation string
	Args      any
	Timeout   time.Duration
}

// Request tags.
const (
	TypeLogin        = "login"
	TypeRegister     = "register"
	TypeReLogin      = "re_login"
	TypeGetUserCards = "get_user_cards"
	TypeGetUserDeck  = "get_user_deck"
	TypeSwapCard     = "swap_card"
	TypeReleaseCard  = "release_card"
)

// Push tags.
const (
	TypeGameStart  = "game_start"
	TypeCardPlayed = "card_played"
	TypeGameEnd    = "game_end"
	TypeError      = "error"
)

// Pseudo-events synthesised by the transport, never sent by the server.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
)
