package loadbalance

import (
	"math/rand"

	"cellrpc/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to its
// Weight. A non-positive weight counts as 1, so a table without weights
// degrades to uniform random.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}
	r := rand.Intn(total)
	for i := range instances {
		if r -= weightOf(instances[i]); r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string { return "weighted-random" }

func weightOf(inst registry.Instance) int {
	return max(inst.Weight, 1)
}
