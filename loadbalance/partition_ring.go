package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// PartitionRing maps keys to partitions using a hash ring.
// The same key always maps to the same partition (until the ring changes),
// so all calls about one key reach the partition that owns its state.
//
// Virtual nodes: each partition is mapped to N virtual nodes on the ring.
// Without virtual nodes, a few partitions might cluster together on the ring,
// causing uneven key distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	        P2 ●               ● P0
//	           │    key ◆──►   │   (clockwise to nearest node → P0)
//	        P1 ●               ● P0' (virtual node of P0)
//	              ╲       ╱
//	                ╲   ╱
type PartitionRing struct {
	mu       sync.RWMutex
	replicas int               // Virtual nodes per partition
	ring     []uint32          // Sorted hash values on the ring
	nodes    map[uint32]uint32 // Hash value → partition id
}

// NewPartitionRing creates a hash ring with 100 virtual nodes per partition.
func NewPartitionRing(partitions ...uint32) *PartitionRing {
	r := &PartitionRing{
		replicas: 100,
		nodes:    make(map[uint32]uint32),
	}
	for _, p := range partitions {
		r.Add(p)
	}
	return r
}

func vnodeKey(partition uint32, i int) []byte {
	return []byte(strconv.FormatUint(uint64(partition), 10) + "#" + strconv.Itoa(i))
}

// Add places a partition onto the ring. Adding a present partition is a no-op.
func (r *PartitionRing) Add(partition uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.nodes[crc32.ChecksumIEEE(vnodeKey(partition, 0))]; ok && p == partition {
		return
	}
	for i := 0; i < r.replicas; i++ {
		hash := crc32.ChecksumIEEE(vnodeKey(partition, i))
		if _, taken := r.nodes[hash]; taken {
			continue // collision: first partition keeps the point
		}
		r.ring = append(r.ring, hash)
		r.nodes[hash] = partition
	}
	// Keep the ring sorted for binary search in PartitionFor()
	sort.Slice(r.ring, func(i, j int) bool {
		return r.ring[i] < r.ring[j]
	})
}

// Remove takes a partition off the ring.
func (r *PartitionRing) Remove(partition uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.ring[:0]
	for _, hash := range r.ring {
		if r.nodes[hash] == partition {
			delete(r.nodes, hash)
			continue
		}
		kept = append(kept, hash)
	}
	r.ring = kept
}

// PartitionFor finds the partition responsible for key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (r *PartitionRing) PartitionFor(key string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ring) == 0 {
		return 0, fmt.Errorf("partition ring is empty")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})
	if idx == len(r.ring) {
		idx = 0
	}
	return r.nodes[r.ring[idx]], nil
}

func (r *PartitionRing) Name() string {
	return "ConsistentHash"
}
