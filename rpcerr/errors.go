// Package rpcerr defines the error kinds every RPC call and transport failure is
// converted into. Callers match kinds with errors.Is against the sentinels and
// read details with errors.As.
package rpcerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionLost    = errors.New("connection lost")
	ErrTimeout           = errors.New("request timed out")
	ErrRemoteRejected    = errors.New("rejected by server")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotConnected      = errors.New("not connected")
)

// ConnectionLost fails a call whose transport closed (or was never open) while
// the call was pending.
type ConnectionLost struct {
	Operation string
	Cause     error
}

func (e *ConnectionLost) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: connection lost: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s: connection lost", e.Operation)
}

func (e *ConnectionLost) Is(target error) bool { return target == ErrConnectionLost }

func (e *ConnectionLost) Unwrap() error { return e.Cause }

// Timeout fails a call that got no reply within its window.
type Timeout struct {
	Operation string
	After     time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("%s: no reply after %dms", e.Operation, e.After.Milliseconds())
}

func (e *Timeout) Is(target error) bool { return target == ErrTimeout }

// RemoteRejected carries the error the server replied with.
type RemoteRejected struct {
	Operation string
	Code      string
	Message   string
	Cause     error
}

func (e *RemoteRejected) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected (%s): %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Message)
}

func (e *RemoteRejected) Is(target error) bool { return target == ErrRemoteRejected }

func (e *RemoteRejected) Unwrap() error { return e.Cause }

// ProtocolViolation reports a malformed or unrecognized inbound message.
type ProtocolViolation struct {
	Type   string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation (type=%s): %s", e.Type, e.Reason)
}

func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }

// UserMessage renders err as text fit for an inline form error.
func UserMessage(err error) string {
	var rejected *RemoteRejected
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected) && rejected.Message != "":
		return rejected.Message
	case errors.Is(err, ErrTimeout):
		return "request timed out"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrNotConnected):
		return "connection lost"
	default:
		return err.Error()
	}
}
