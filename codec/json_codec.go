package codec

import (
	"encoding/json"
	"errors"

	"clash-session/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// The game server speaks JSON text frames only.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("JSONCodec: nil envelope")
	}
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if env == nil {
		return errors.New("JSONCodec: nil envelope")
	}
	return json.Unmarshal(data, env)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
