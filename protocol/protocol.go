// Package protocol implements the message-type conventions of the game server protocol.
//
// Every frame is a JSON envelope {id, type, data}. The type tag tells the receiver
// what kind of message it is:
//
//	request  login            ──→ server
//	reply    login_success    ←── server   (id echoes the request)
//	reply    login_error      ←── server   (id echoes the request)
//	reply    error            ←── server   (generic failure, id echoes the request)
//	push     game_end         ←── server   (no pending id)
//
// Correlation is by id, so a reply with a known id resolves its call whatever the
// tag says. The tag then only decides between success and rejection.
package protocol

import (
	"clash-session/message"
	"clash-session/rpcerr"
	"strings"
)

const (
	SuccessSuffix = "_success"
	ErrorSuffix   = "_error"
)

// Outcome is what a reply means for the call it resolves.
type Outcome int

const (
	OutcomeNone    Outcome = iota // Not a reply
	OutcomeSuccess                // <op>_success or any other tag carrying a pending id
	OutcomeError                  // <op>_error or the generic "error"
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	default:
		return "none"
	}
}

// SuccessTag returns the reply tag for a successful op.
func SuccessTag(op string) string { return op + SuccessSuffix }

// ErrorTag returns the reply tag for a failed op.
func ErrorTag(op string) string { return op + ErrorSuffix }

// Classify splits a reply tag into its operation and outcome. Tags without a
// reply suffix report OutcomeNone and an empty operation, except the generic
// "error" which reports OutcomeError.
func Classify(typ string) (op string, outcome Outcome) {
	switch {
	case typ == message.TypeError:
		return "", OutcomeError
	case strings.HasSuffix(typ, SuccessSuffix) && len(typ) > len(SuccessSuffix):
		return strings.TrimSuffix(typ, SuccessSuffix), OutcomeSuccess
	case strings.HasSuffix(typ, ErrorSuffix) && len(typ) > len(ErrorSuffix):
		return strings.TrimSuffix(typ, ErrorSuffix), OutcomeError
	default:
		return "", OutcomeNone
	}
}

// IsReply reports whether the tag follows the <op>_success / <op>_error convention.
func IsReply(typ string) bool {
	_, outcome := Classify(typ)
	return outcome != OutcomeNone && typ != message.TypeError
}

// IsPseudo reports whether the tag is synthesised locally by the transport.
func IsPseudo(typ string) bool {
	return typ == message.TypeConnect || typ == message.TypeDisconnect
}

// ReplyOutcome decides how a reply resolves its pending call. Any tag other than
// an error tag is a success, so bespoke tags such as "user_deck" are accepted.
func ReplyOutcome(typ string) Outcome {
	if _, outcome := Classify(typ); outcome == OutcomeError {
		return OutcomeError
	}
	return OutcomeSuccess
}

// Validate checks the shape of an inbound envelope before it is routed.
func Validate(env *message.Envelope) error {
	if env == nil {
		return &rpcerr.ProtocolViolation{Reason: "nil envelope"}
	}
	if env.Type == "" {
		return &rpcerr.ProtocolViolation{Reason: "missing type"}
	}
	if IsPseudo(env.Type) {
		return &rpcerr.ProtocolViolation{Type: env.Type, Reason: "reserved type sent by server"}
	}
	return nil
}

// Rejection builds the error a call fails with when its reply is an error tag.
// The data is expected to be {error, message}; anything else still rejects the
// call, with the raw data as message.
func Rejection(op string, env *message.Envelope) *rpcerr.RemoteRejected {
	rejected := &rpcerr.RemoteRejected{Operation: op}
	var payload message.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		rejected.Code = "malformed_error"
		rejected.Message = string(env.Data)
		rejected.Cause = &rpcerr.ProtocolViolation{Type: env.Type, Reason: err.Error()}
		return rejected
	}
	rejected.Code = payload.Error
	rejected.Message = payload.Message
	if rejected.Message == "" {
		rejected.Message = payload.Error
	}
	if rejected.Message == "" {
		rejected.Message = "request rejected"
	}
	return rejected
}
