package middleware

import (
	"clash-session/message"
	"context"
	"errors"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects requests beyond r per second (token bucket with
// the given burst) instead of flooding the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
