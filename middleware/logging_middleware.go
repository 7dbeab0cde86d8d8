package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cellrpc/message"
)

// Logging logs every dispatched request with its duration. Failed calls are
// logged at warn level, successful ones at debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.Uint16("type", uint16(req.Type)),
				zap.Stringer("mode", req.Mode),
				zap.Uint32("partition", req.Partition),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.Err != nil {
				logger.Warn("request failed", append(fields, zap.Error(reply.Err))...)
				return reply
			}
			logger.Debug("request served", fields...)
			return reply
		}
	}
}
