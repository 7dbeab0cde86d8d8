package client

import (
	"time"

	"go.uber.org/zap"

	"cellrpc/codec"
	"cellrpc/loadbalance"
	"cellrpc/transport"
)

type Option func(*options)

type options struct {
	codec      codec.CodecType
	poolSize   int
	balancer   loadbalance.Balancer
	dialer     transport.Dialer
	heartbeat  time.Duration
	maxPayload uint32
	logger     *zap.Logger
}

func defaultOptions() options {
	return options{
		codec:     codec.CodecTypeBinary,
		poolSize:  1,
		balancer:  &loadbalance.RoundRobinBalancer{},
		dialer:    transport.TCPDialer(5 * time.Second),
		heartbeat: 30 * time.Second,
		logger:    zap.NewNop(),
	}
}

// WithCodec selects the payload codec of every request.
func WithCodec(c codec.CodecType) Option {
	return func(o *options) { o.codec = c }
}

// WithPoolSize sets how many multiplexed connections are kept per server address.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithBalancer picks among several instances of one partition.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) {
		if b != nil {
			o.balancer = b
		}
	}
}

func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithHeartbeat sets the transport heartbeat interval; 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithMaxPayload bounds reply bodies. A larger reply drops the connection.
func WithMaxPayload(n uint32) Option {
	return func(o *options) { o.maxPayload = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
