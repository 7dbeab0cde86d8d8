// Package client is the caller side of cellrpc. A Client resolves the target
// partition, picks an instance, encodes the request fields and runs one of the
// three calling conventions over a pooled, multiplexed transport.
//
//	CallSyn         blocks until the handler ran
//	CallAsyn        returns at once with a Completion
//	CallSynWithRsp  blocks and returns the handler's fields
//
// There are no retries: every failure is returned to the caller.
package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/protocol"
	"cellrpc/registry"
	"cellrpc/rpcerr"
	"cellrpc/transport"
)

type Client struct {
	resolver registry.Resolver // partition → instances
	opts     options
	logger   *zap.Logger

	mu      sync.Mutex
	pools   map[string]*transport.Pool // one pool per instance address
	owners  map[uint32][]string        // last known addresses of each partition called so far
	closed  bool
	closing chan struct{}
}

// watcher is implemented by resolvers that push partition changes, such as
// registry.StaticTable and registry.EtcdRegistry.
type watcher interface {
	Watch(partition uint32) <-chan []registry.Instance
}

func NewClient(resolver registry.Resolver, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		resolver: resolver,
		opts:     o,
		logger:   o.logger,
		pools:    make(map[string]*transport.Pool),
		owners:   make(map[uint32][]string),
		closing:  make(chan struct{}),
	}
}

func (c *Client) getPool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("client closed: %w", rpcerr.ErrConnectionLost)
	}
	pool, ok := c.pools[addr]
	if !ok {
		pool = transport.NewPool(addr, c.opts.poolSize, c.opts.dialer,
			transport.WithCodec(c.opts.codec),
			transport.WithHeartbeat(c.opts.heartbeat),
			transport.WithMaxBodyLen(c.opts.maxPayload),
			transport.WithLogger(c.logger),
		)
		c.pools[addr] = pool
	}
	return pool, nil
}

// prepare validates and encodes the request and finds the transport to send it
// on. Nothing is sent if it fails; an unresolvable partition yields
// rpcerr.ErrUnknownPartition, and a ctx that ends while dialing
// rpcerr.ErrCallTimeout.
func (c *Client) prepare(ctx context.Context, partition uint32, desc *message.Descriptor, mode message.Mode, fields codec.FieldList) (*transport.ClientTransport, []byte, error) {
	if desc.Mode != mode {
		return nil, nil, fmt.Errorf("%s called as %s: %w", desc, mode, rpcerr.ErrModeMismatch)
	}
	body, err := codec.GetCodec(c.opts.codec).Encode(desc.Request, fields)
	if err != nil {
		return nil, nil, fmt.Errorf("%s request: %w", desc, err)
	}

	instances, err := c.resolver.Resolve(partition)
	if err != nil {
		return nil, nil, err
	}
	c.follow(partition, instances)
	instance, err := c.opts.balancer.Pick(instances)
	if err != nil {
		return nil, nil, fmt.Errorf("partition %d: %w", partition, err)
	}

	pool, err := c.getPool(instance.Addr)
	if err != nil {
		return nil, nil, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return t, body, nil
}

// CallSyn sends a Syn request and blocks until the server acknowledges that the
// handler has finished. A ctx that ends first yields rpcerr.ErrCallTimeout.
func (c *Client) CallSyn(ctx context.Context, partition uint32, desc *message.Descriptor, fields codec.FieldList) error {
	t, body, err := c.prepare(ctx, partition, desc, message.ModeSyn, fields)
	if err != nil {
		return err
	}
	reply, err := t.Roundtrip(ctx, protocol.KindSyn, uint16(desc.Type), partition, body)
	if err != nil {
		return err
	}
	if reply.Kind != protocol.KindAck {
		return fmt.Errorf("%s: unexpected %s reply: %w", desc, reply.Kind, rpcerr.ErrMalformedPayload)
	}
	return nil
}

// CallAsyn sends an Asyn request and returns without waiting for the server.
// The returned Completion is set once the handler has finished; callers that
// do not care may drop it.
func (c *Client) CallAsyn(ctx context.Context, partition uint32, desc *message.Descriptor, fields codec.FieldList) (*transport.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", rpcerr.ErrCallTimeout, err)
	}
	t, body, err := c.prepare(ctx, partition, desc, message.ModeAsyn, fields)
	if err != nil {
		return nil, err
	}
	return t.SendAsyn(ctx, uint16(desc.Type), partition, body)
}

// CallSynWithRsp sends a SynWithRsp request and returns the handler's result,
// decoded with the descriptor's response schema.
func (c *Client) CallSynWithRsp(ctx context.Context, partition uint32, desc *message.Descriptor, fields codec.FieldList) (codec.FieldList, error) {
	t, body, err := c.prepare(ctx, partition, desc, message.ModeSynWithRsp, fields)
	if err != nil {
		return nil, err
	}
	reply, err := t.Roundtrip(ctx, protocol.KindSynWithRsp, uint16(desc.Type), partition, body)
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.KindResponse {
		return nil, fmt.Errorf("%s: unexpected %s reply: %w", desc, reply.Kind, rpcerr.ErrMalformedPayload)
	}
	out, err := codec.GetCodec(codec.CodecType(reply.CodecType)).Decode(desc.Response, reply.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", desc, err)
	}
	return out, nil
}

// follow starts watching partition the first time it is resolved, when the
// resolver supports it.
func (c *Client) follow(partition uint32, instances []registry.Instance) {
	w, ok := c.resolver.(watcher)
	if !ok {
		return
	}
	c.mu.Lock()
	if _, seen := c.owners[partition]; seen || c.closed {
		c.mu.Unlock()
		return
	}
	c.owners[partition] = addrsOf(instances)
	c.mu.Unlock()

	if updates := w.Watch(partition); updates != nil {
		go c.watchOwners(partition, updates)
	}
}

// watchOwners drops the pools of addresses that no longer own any partition
// this client calls. Their connections would only reach a server that now
// rejects the partition.
func (c *Client) watchOwners(partition uint32, updates <-chan []registry.Instance) {
	for {
		var instances []registry.Instance
		select {
		case <-c.closing:
			return
		case insts, ok := <-updates:
			if !ok {
				return
			}
			instances = insts
		}

		c.mu.Lock()
		c.owners[partition] = addrsOf(instances)
		live := make(map[string]bool)
		for _, addrs := range c.owners {
			for _, addr := range addrs {
				live[addr] = true
			}
		}
		for addr, pool := range c.pools {
			if !live[addr] {
				c.logger.Info("dropping connections to former partition owner",
					zap.Uint32("partition", partition), zap.String("addr", addr))
				pool.Close()
				delete(c.pools, addr)
			}
		}
		c.mu.Unlock()
	}
}

func addrsOf(instances []registry.Instance) []string {
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	return addrs
}

// Close drops every pooled connection. Outstanding sync calls fail with
// rpcerr.ErrConnectionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closing)
	for addr, pool := range c.pools {
		pool.Close()
		delete(c.pools, addr)
	}
	return nil
}
