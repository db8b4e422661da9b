package middleware

import (
	"clash-session/message"
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every request with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "rpc"))

	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Envelope, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("operation", req.Operation),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
				return reply, err
			}
			logger.Debug("request done", append(fields, zap.String("reply", reply.Type))...)
			return reply, nil
		}
	}
}
