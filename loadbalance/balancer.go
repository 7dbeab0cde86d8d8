// Package loadbalance chooses where a call goes.
//
// Two decisions are made here:
//   - Balancer: a partition may be served by several equivalent endpoints; Pick
//     selects one of them for each call (RoundRobin, WeightedRandom).
//   - PartitionRing: an application key (e.g. a cell id) is mapped onto the
//     partition that owns it by consistent hashing.
package loadbalance

import (
	"fmt"

	"cellrpc/registry"
	"cellrpc/rpcerr"
)

var errNoInstances = fmt.Errorf("no endpoint to pick from: %w", rpcerr.ErrUnknownPartition)

// Balancer selects one endpoint of a resolved partition. The client calls Pick
// once per call, from many goroutines.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name is used in log fields.
	Name() string
}
