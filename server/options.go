package server

import (
	"go.uber.org/zap"

	"cellrpc/protocol"
)

type Option func(*options)

type options struct {
	logger     *zap.Logger
	maxPayload uint32   // larger request bodies close the connection
	partitions []uint32 // hosted partitions, empty accepts any
	ttl        int64    // registry lease TTL in seconds
}

func defaultOptions() options {
	return options{
		logger:     zap.NewNop(),
		maxPayload: protocol.DefaultMaxBodyLen,
		ttl:        10,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxPayload bounds the body of a single request frame.
func WithMaxPayload(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPayload = n
		}
	}
}

// WithPartitions restricts the server to the given partitions. Requests for
// any other partition are answered with rpcerr.ErrUnknownPartition, and these
// are the partitions announced to the registry.
func WithPartitions(ids ...uint32) Option {
	return func(o *options) {
		o.partitions = append(o.partitions, ids...)
	}
}

// WithRegistryTTL sets the lease TTL (seconds) used when announcing partitions.
func WithRegistryTTL(ttl int64) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}
