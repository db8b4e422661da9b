package client

import "clash-session/message"

// Call is an RPC in flight, started by Client.Go.
type Call struct {
	Operation string
	Args      any
	Reply     *message.Envelope // set on success
	Error     error             // set on failure
	Done      chan *Call        // receives the call once it resolves
}

// Decode unmarshals the reply data of a successful call into v.
func (c *Call) Decode(v any) error {
	if c.Error != nil {
		return c.Error
	}
	return decodeReply(c.Operation, c.Reply, v)
}
