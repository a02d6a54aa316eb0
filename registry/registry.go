package registry

import "context"

// ServiceInstance describes one cache node.
type ServiceInstance struct {
	Addr    string // host:port or unix socket path
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
