package middleware

import (
	"clash-session/message"
	"clash-session/rpcerr"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryMiddleware re-sends a request that never left the client because no
// connection was up, waiting baseDelay*2^i between attempts. Only the listed
// operations are retried. A request that was sent and then timed out or lost
// its connection fails at once with that error.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger, idempotent ...string) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(idempotent))
	for _, op := range idempotent {
		allowed[op] = true
	}

	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
			reply, err := next(ctx, req)
			if !allowed[req.Operation] {
				return reply, err
			}
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return reply, err
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying request",
					zap.String("operation", req.Operation),
					zap.Int("attempt", i+1),
					zap.Duration("delay", delay),
					zap.Error(err))

				select {
				case <-ctx.Done():
					return nil, err
				case <-time.After(delay):
				}
				reply, err = next(ctx, req)
			}
			return reply, err
		}
	}
}

// retryable reports a send that failed for want of a connection.
func retryable(err error) bool {
	return errors.Is(err, rpcerr.ErrNotConnected)
}
