// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for partitions:
//
//	Key:   /cellrpc/partitions/{partitionID}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so clients never route to a dead owner.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"cellrpc/rpcerr"
)

const keyPrefix = "/cellrpc/partitions/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key → stops that key's KeepAlive
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func partitionPrefix(partition uint32) string {
	return keyPrefix + strconv.FormatUint(uint64(partition), 10) + "/"
}

// Register announces that instance owns partition, under a lease of ttl seconds.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(partition uint32, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(r.ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := partitionPrefix(partition) + instance.Addr
	if _, err = r.client.Put(r.ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, kaCancel := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = kaCancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("partition registered",
		zap.Uint32("partition", partition), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes instance addr from partition.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(partition uint32, addr string) error {
	key := partitionPrefix(partition) + addr

	r.mu.Lock()
	if stop, ok := r.leases[key]; ok {
		stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(r.ctx, key)
	return err
}

// Resolve returns all instances currently registered for partition.
func (r *EtcdRegistry) Resolve(partition uint32) ([]Instance, error) {
	resp, err := r.client.Get(r.ctx, partitionPrefix(partition), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("partition %d: %w", partition, rpcerr.ErrUnknownPartition)
	}
	return instances, nil
}

// Watch monitors a partition prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
// An empty list means the partition currently has no owner.
func (r *EtcdRegistry) Watch(partition uint32) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, partitionPrefix(partition), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, _ := r.Resolve(partition)
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every KeepAlive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
