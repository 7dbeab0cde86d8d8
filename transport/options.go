package transport

import (
	"time"

	"go.uber.org/zap"

	"cellrpc/codec"
	"cellrpc/protocol"
)

type Option func(*config)

type config struct {
	codec             codec.CodecType // body codec announced in every request header
	maxBodyLen        uint32          // replies with a larger body tear the connection down
	heartbeatInterval time.Duration   // 0 disables heartbeats
	logger            *zap.Logger
}

func defaultConfig() config {
	return config{
		codec:             codec.CodecTypeBinary,
		maxBodyLen:        protocol.DefaultMaxBodyLen,
		heartbeatInterval: 30 * time.Second,
		logger:            zap.NewNop(),
	}
}

func WithCodec(c codec.CodecType) Option {
	return func(cfg *config) {
		cfg.codec = c
	}
}

func WithMaxBodyLen(n uint32) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxBodyLen = n
		}
	}
}

func WithHeartbeat(interval time.Duration) Option {
	return func(cfg *config) {
		cfg.heartbeatInterval = interval
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}
