package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"portrpc/message"
)

// LoggingMiddleware logs every completed call with its duration.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			return onComplete(next(ctx, req), func(resp *message.Response) {
				fields := []zap.Field{
					zap.String("procedure", req.Name),
					zap.Duration("duration", time.Since(start)),
				}
				if resp.Err != nil {
					log.Warn("call failed", append(fields, zap.Error(resp.Err))...)
					return
				}
				log.Info("call completed", fields...)
			})
		}
	}
}
