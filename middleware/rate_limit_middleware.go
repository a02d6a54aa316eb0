package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"dvbcache/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Rejected calls fail locally and never open a socket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, message.NewLocalError(ErrRateLimited.Error(), ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
