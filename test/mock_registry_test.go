package test

import (
	"context"
	"sync"

	"dvbcache/registry"
)

// ---- Mock Registry（不依赖 etcd）----

type MockRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
	watchers  map[string][]chan []registry.ServiceInstance
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		instances: make(map[string][]registry.ServiceInstance),
		watchers:  make(map[string][]chan []registry.ServiceInstance),
	}
}

func (m *MockRegistry) Register(serviceName string, inst registry.ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = append(m.instances[serviceName], inst)
	m.notify(serviceName)
	return nil
}

func (m *MockRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	m.notify(serviceName)
	return nil
}

func (m *MockRegistry) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.ServiceInstance(nil), m.instances[serviceName]...), nil
}

func (m *MockRegistry) Watch(ctx context.Context, serviceName string) <-chan []registry.ServiceInstance {
	ch := make(chan []registry.ServiceInstance, 16)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.watchers[serviceName]
		for i, w := range list {
			if w == ch {
				m.watchers[serviceName] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with m.mu held.
func (m *MockRegistry) notify(serviceName string) {
	snapshot := append([]registry.ServiceInstance(nil), m.instances[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
