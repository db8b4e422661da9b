package middleware

import (
	"clash-session/message"
	"context"
	"time"
)

// TimeoutMiddleware caps the reply window of every request at max. Requests
// without a timeout get max.
func TimeoutMiddleware(max time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
			if req.Timeout <= 0 || req.Timeout > max {
				capped := *req
				capped.Timeout = max
				req = &capped
			}
			return next(ctx, req)
		}
	}
}
