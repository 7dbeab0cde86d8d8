package test

import (
	"fmt"
	"sync"

	"cellrpc/registry"
	"cellrpc/rpcerr"
)

// ---- Mock Registry（不依赖 etcd）----

type MockRegistry struct {
	mu        sync.Mutex
	instances map[uint32][]registry.Instance
	events    []string // "register 1 127.0.0.1:9000", "deregister 1 ..."
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{instances: make(map[uint32][]registry.Instance)}
}

func (m *MockRegistry) Register(partition uint32, inst registry.Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[partition] = append(m.instances[partition], inst)
	m.events = append(m.events, fmt.Sprintf("register %d %s", partition, inst.Addr))
	return nil
}

func (m *MockRegistry) Deregister(partition uint32, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[partition]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[partition] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	m.events = append(m.events, fmt.Sprintf("deregister %d %s", partition, addr))
	return nil
}

func (m *MockRegistry) Resolve(partition uint32) ([]registry.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[partition]
	if len(insts) == 0 {
		return nil, fmt.Errorf("partition %d: %w", partition, rpcerr.ErrUnknownPartition)
	}
	return append([]registry.Instance(nil), insts...), nil
}

func (m *MockRegistry) Watch(partition uint32) <-chan []registry.Instance {
	return nil
}

func (m *MockRegistry) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
