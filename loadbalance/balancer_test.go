package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellrpc/registry"
	"cellrpc/rpcerr"
)

var testInstances = []registry.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances in order
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		assert.Equal(t, testInstances[i].Addr, inst.Addr)
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	assert.Equal(t, ":8001", inst.Addr)
}

func TestPickEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}} {
		_, err := b.Pick(nil)
		assert.ErrorIs(t, err, rpcerr.ErrUnknownPartition, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5, "weight ratio :8001/:8002")
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.Instance{{Addr: "only"}})
	require.NoError(t, err)
	assert.Equal(t, "only", inst.Addr)
}

func TestPartitionRing(t *testing.T) {
	r := NewPartitionRing(0, 1, 2)

	// Same key should always map to the same partition
	p1, err := r.PartitionFor("cell-123")
	require.NoError(t, err)
	p2, _ := r.PartitionFor("cell-123")
	assert.Equal(t, p1, p2)

	// With 100 different keys and 3 partitions, we should hit all of them
	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		p, _ := r.PartitionFor(fmt.Sprintf("cell-%d", i))
		seen[p] = true
	}
	assert.Len(t, seen, 3)
}

func TestPartitionRingRemove(t *testing.T) {
	r := NewPartitionRing(0, 1)
	r.Add(1) // no-op
	r.Remove(1)

	for i := 0; i < 50; i++ {
		p, err := r.PartitionFor(fmt.Sprintf("cell-%d", i))
		require.NoError(t, err)
		assert.Equal(t, uint32(0), p)
	}

	r.Remove(0)
	_, err := r.PartitionFor("cell-1")
	assert.Error(t, err)
}
