// Package middleware wraps the client's request path with cross-cutting
// behavior: logging, timeouts, rate limiting and metrics.
//
// Middlewares are onion layers around the transport call:
//
//	Chain(A, B, C)(h)  ==  A(B(C(h)))
//
//	request  ──→ A ──→ B ──→ C ──→ h (one socket exchange)
//	response ←── A ←── B ←── C ←──┘
package middleware

import (
	"context"

	"dvbcache/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

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
