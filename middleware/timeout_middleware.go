package middleware

import (
	"context"
	"time"

	"dvbcache/message"
)

// TimeOutMiddleware bounds each call by timeout. The transport turns the
// context deadline into a socket deadline, so the call itself returns with a
// "Connection timeout" error instead of being abandoned in a goroutine.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if timeout <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
