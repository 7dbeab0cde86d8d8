// Package registry resolves partition ids to the server instances that own them.
//
// The client calls Resolve before every call; an unknown partition fails with
// rpcerr.ErrUnknownPartition and no frame is sent. Two implementations exist:
//
//   - StaticTable: an in-memory map, filled from configuration or tests.
//   - EtcdRegistry: servers register the partitions they host under a TTL lease.
package registry

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"cellrpc/rpcerr"
)

// Instance is one server endpoint owning a partition.
type Instance struct {
	Addr    string
	Weight  int // Weight for load balancing between endpoints of the same partition
	Version string
}

// Resolver is the read side used by clients.
type Resolver interface {
	Resolve(partition uint32) ([]Instance, error)
}

// Registry is the full directory used by servers to announce their partitions.
type Registry interface {
	Resolver
	Register(partition uint32, instance Instance, ttl int64) error
	Deregister(partition uint32, addr string) error
	Watch(partition uint32) <-chan []Instance
}

// StaticTable is an in-memory Registry. TTLs are ignored.
type StaticTable struct {
	mu       sync.RWMutex
	table    map[uint32][]Instance
	watchers map[uint32][]chan []Instance
}

func NewStaticTable() *StaticTable {
	return &StaticTable{
		table:    make(map[uint32][]Instance),
		watchers: make(map[uint32][]chan []Instance),
	}
}

// Add maps partition to instance, replacing an entry with the same address.
func (s *StaticTable) Add(partition uint32, instance Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.table[partition]
	if i := slices.IndexFunc(insts, func(in Instance) bool { return in.Addr == instance.Addr }); i >= 0 {
		insts = slices.Delete(insts, i, i+1)
	}
	s.table[partition] = append(insts, instance)
	s.notify(partition)
}

// Remove drops the instance at addr from partition.
func (s *StaticTable) Remove(partition uint32, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.table[partition]
	i := slices.IndexFunc(insts, func(in Instance) bool { return in.Addr == addr })
	if i < 0 {
		return
	}
	insts = slices.Delete(insts, i, i+1)
	if len(insts) == 0 {
		delete(s.table, partition)
	} else {
		s.table[partition] = insts
	}
	s.notify(partition)
}

// Resolve is a pure lookup.
func (s *StaticTable) Resolve(partition uint32) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insts, ok := s.table[partition]
	if !ok || len(insts) == 0 {
		return nil, fmt.Errorf("partition %d: %w", partition, rpcerr.ErrUnknownPartition)
	}
	return slices.Clone(insts), nil
}

// Partitions lists the known partition ids in ascending order.
func (s *StaticTable) Partitions() []uint32 {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (s *StaticTable) Register(partition uint32, instance Instance, ttl int64) error {
	s.Add(partition, instance)
	return nil
}

func (s *StaticTable) Deregister(partition uint32, addr string) error {
	s.Remove(partition, addr)
	return nil
}

// Watch emits the instance list of partition after every change. Slow readers
// only see the latest list.
func (s *StaticTable) Watch(partition uint32) <-chan []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []Instance, 1)
	s.watchers[partition] = append(s.watchers[partition], ch)
	return ch
}

// notify must be called with s.mu held.
func (s *StaticTable) notify(partition uint32) {
	insts := slices.Clone(s.table[partition])
	for _, ch := range s.watchers[partition] {
		select {
		case <-ch:
		default:
		}
		ch <- insts
	}
}
