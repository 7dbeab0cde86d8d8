// Package middleware wraps server-side dispatch in an onion chain.
//
// A middleware sees every decoded request before it reaches the handler of its
// message type, and the reply on the way back out:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"cellrpc/message"
)

// HandlerFunc serves one decoded request. It always returns a non-nil Reply.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
