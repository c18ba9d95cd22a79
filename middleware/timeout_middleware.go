package middleware

import (
	"context"
	"errors"
	"time"

	"portrpc/message"
	"portrpc/rpcerr"
)

var errTimedOut = errors.New("request timed out")

// TimeOutMiddleware bounds the asynchronous tail of a call. Synchronous
// procedures hold the implementation until they return and are not bounded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			if resp.Tail == nil {
				return resp
			}
			tail := resp.Tail
			bounded := *resp
			bounded.Tail = func(ctx context.Context) *message.Response {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				done := make(chan *message.Response, 1)
				go func() {
					done <- tail(ctx)
				}()

				select {
				case final := <-done:
					return final
				case <-ctx.Done():
					return &message.Response{Err: rpcerr.Rejected(errTimedOut)}
				}
			}
			return &bounded
		}
	}
}
