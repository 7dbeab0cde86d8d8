package middleware

import (
	"context"
	"fmt"
	"time"

	"cellrpc/message"
	"cellrpc/rpcerr"
)

// Timeout answers with rpcerr.ErrCallTimeout when the rest of the chain takes
// longer than timeout. The handler is not aborted: it keeps its slot until it
// returns, and its late result is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &message.Reply{
					Err: fmt.Errorf("type %d not served within %s: %w", req.Type, timeout, rpcerr.ErrCallTimeout),
				}
			}
		}
	}
}
