package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"portrpc/message"
	"portrpc/rpcerr"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Err: rpcerr.Rejected(errRateLimited)}
			}
			return next(ctx, req)
		}
	}
}
