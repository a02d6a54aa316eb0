package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dvbcache/message"
)

// LoggingMiddleware logs every call at debug level and failures at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("op", req.Op),
				zap.String("path", req.Path),
				zap.String("addr", req.Addr),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				var kind string
				var e *message.Error
				if errors.As(err, &e) {
					kind = e.Kind.String()
				}
				logger.Warn("request failed", append(fields,
					zap.Int32("status", message.StatusOf(err)),
					zap.String("kind", kind),
					zap.Error(err))...)
				return resp, err
			}
			logger.Debug("request done", fields...)
			return resp, nil
		}
	}
}
