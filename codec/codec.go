package codec

import "clash-session/message"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec turns envelopes into frame bytes and back.
type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
