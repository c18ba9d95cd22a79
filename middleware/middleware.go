// Package middleware wraps the dispatch of a request in an onion of handlers.
//
//	Chain(A, B, C)(handler) == A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Asynchronous procedures return a Response whose Tail completes the call
// later; middleware that cares about completion wraps the tail as well.
package middleware

import (
	"context"

	"portrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

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

// onComplete calls fn with the final response of a call, after its tail if
// it has one. The returned response replaces resp.
func onComplete(resp *message.Response, fn func(*message.Response)) *message.Response {
	if resp.Tail == nil {
		fn(resp)
		return resp
	}
	tail := resp.Tail
	wrapped := *resp
	wrapped.Tail = func(ctx context.Context) *message.Response {
		final := tail(ctx)
		fn(final)
		return final
	}
	return &wrapped
}
