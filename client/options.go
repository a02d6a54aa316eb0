package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dvbcache/loadbalance"
	"dvbcache/middleware"
	"dvbcache/registry"
)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry discovers cache nodes through reg instead of the configured
// etcd endpoints. The client does not close reg on Stop.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithMiddleware adds middlewares around every request, inside the built-in
// logging, metrics and rate limiting layers.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// WithRegisterer selects where metrics are registered when metrics are
// enabled. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}
