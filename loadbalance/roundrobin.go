package loadbalance

import (
	"fmt"
	"sync/atomic"

	"dvbcache/registry"
)

// RoundRobinBalancer distributes requests evenly across all nodes in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64 // incremented on each Pick()
}

// Pick selects the next node in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
