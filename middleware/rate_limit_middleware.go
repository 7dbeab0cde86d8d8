package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"cellrpc/message"
	"cellrpc/rpcerr"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
//
// r is the sustained rate in requests per second, burst the bucket size.
// Rejected requests fail with rpcerr.ErrRateLimited without reaching a handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			if !limiter.Allow() {
				return &message.Reply{
					Err: fmt.Errorf("type %d: %w", req.Type, rpcerr.ErrRateLimited),
				}
			}
			return next(ctx, req)
		}
	}
}
