// Package middleware wraps the client's request path in composable layers.
//
// An Invoker sends one request and waits for its reply. Middlewares decorate
// an Invoker the way HTTP middlewares decorate a handler; Chain applies them
// so the first one listed is the outermost.
package middleware

import (
	"clash-session/message"
	"context"
)

type Invoker func(ctx context.Context, req *message.Request) (*message.Envelope, error)

type Middleware func(next Invoker) Invoker

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
