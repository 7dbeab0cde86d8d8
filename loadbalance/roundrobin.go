package loadbalance

import (
	"sync/atomic"

	"cellrpc/registry"
)

// RoundRobinBalancer hands out a partition's endpoints in turn. One counter is
// shared by every partition the client calls.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}
	i := (b.next.Add(1) - 1) % uint64(len(instances))
	return &instances[i], nil
}

func (b *RoundRobinBalancer) Name() string { return "round-robin" }
