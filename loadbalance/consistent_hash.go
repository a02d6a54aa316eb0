package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"dvbcache/registry"
)

// ConsistentHashBalancer maps paths to nodes using a hash ring.
// The same path always maps to the same node (until the node set changes),
// so repeated reads of one file hit the node that already caches its blocks.
//
// Virtual nodes: each real node is mapped to N virtual nodes on the ring to
// avoid clustering; 100 virtual nodes per node gives an even spread.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │   path ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int                                 // Virtual nodes per real node
	ring     []uint32                            // Sorted hash values on the ring
	nodes    map[uint32]registry.ServiceInstance // Hash value → node
	members  string                              // signature of the node set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places a node onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// rebuild resets the ring when the discovered node set differs from the one
// the ring holds.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.members {
		return
	}

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		b.add(inst)
	}
	b.members = signature
}

// Pick finds the node responsible for key. It binary-searches for the first
// virtual node >= hash(key) and wraps around to the first one past the end.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		b.rebuild(instances)
	}
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
