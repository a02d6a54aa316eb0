// Package loadbalance chooses which cache node serves a request when the
// client discovers nodes through the registry instead of using a fixed address.
//
// Three strategies are implemented:
//   - RoundRobin:      spread requests evenly, no affinity
//   - WeightedRandom:  nodes with different cache capacity
//   - ConsistentHash:  the same path always goes to the same node, so its
//     blocks stay hot in one cache
package loadbalance

import (
	"fmt"

	"dvbcache/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each request to select a target node.
type Balancer interface {
	// Pick selects one instance from the available list. key is the request
	// path; strategies without affinity ignore it.
	// Called on every request — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer: %q", name)
}
