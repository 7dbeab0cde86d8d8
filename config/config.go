// Package config loads the YAML configuration of the cellrpc binaries.
//
//	server:
//	  listen: ":9000"
//	  advertise: "127.0.0.1:9000"
//	  partitions: [0, 1]
//	  max_payload: 16777216
//	  handler_timeout: 5s
//	  rate_limit: {rps: 1000, burst: 100}
//	client:
//	  codec: binary
//	  pool_size: 2
//	  partition: 0
//	  call_timeout: 5s
//	  async_timeout: 5s
//	partitions:
//	  0: ["127.0.0.1:9000"]
//	etcd:
//	  endpoints: ["127.0.0.1:2379"]
//	  ttl: 10
//	log:
//	  level: info
//
// Missing keys keep their defaults. Without a partitions table every hosted
// partition maps to the advertise address. Clients resolve partitions through
// etcd when endpoints are set and through the static table otherwise.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"cellrpc/codec"
	"cellrpc/protocol"
	"cellrpc/registry"
)

type Config struct {
	Server     Server              `yaml:"server"`
	Client     Client              `yaml:"client"`
	Partitions map[uint32][]string `yaml:"partitions"`
	Etcd       Etcd                `yaml:"etcd"`
	Log        Log                 `yaml:"log"`
}

type Server struct {
	Listen         string        `yaml:"listen"`
	Advertise      string        `yaml:"advertise"`
	Partitions     []uint32      `yaml:"partitions"`
	MaxPayload     uint32        `yaml:"max_payload"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // 0 disables the timeout middleware
	RateLimit      RateLimit     `yaml:"rate_limit"`
}

// RateLimit configures the token bucket in front of dispatch. RPS 0 disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Client struct {
	Codec        string        `yaml:"codec"` // "binary" or "json"
	PoolSize     int           `yaml:"pool_size"`
	Partition    uint32        `yaml:"partition"` // partition the probe targets
	CallTimeout  time.Duration `yaml:"call_timeout"`
	AsyncTimeout time.Duration `yaml:"async_timeout"`
}

type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"` // lease TTL in seconds
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:         ":9000",
			Advertise:      "127.0.0.1:9000",
			Partitions:     []uint32{0},
			MaxPayload:     protocol.DefaultMaxBodyLen,
			HandlerTimeout: 5 * time.Second,
		},
		Client: Client{
			Codec:        "binary",
			PoolSize:     1,
			CallTimeout:  5 * time.Second,
			AsyncTimeout: 5 * time.Second,
		},
		Etcd:       Etcd{TTL: 10},
		Log:        Log{Level: "info"},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// yaml merges into a non-nil map, so the table default is applied afterwards
	if len(cfg.Partitions) == 0 && cfg.Server.Advertise != "" {
		cfg.Partitions = make(map[uint32][]string, len(cfg.Server.Partitions))
		for _, p := range cfg.Server.Partitions {
			cfg.Partitions[p] = []string{cfg.Server.Advertise}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is empty"))
	}
	if c.Server.MaxPayload == 0 {
		errs = append(errs, errors.New("server.max_payload must be positive"))
	}
	if c.Server.HandlerTimeout < 0 {
		errs = append(errs, errors.New("server.handler_timeout is negative"))
	}
	if c.Server.RateLimit.RPS < 0 || (c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("server.rate_limit needs rps >= 0 and a positive burst"))
	}
	if _, err := c.CodecType(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.PoolSize <= 0 {
		errs = append(errs, errors.New("client.pool_size must be positive"))
	}
	if c.Client.CallTimeout <= 0 || c.Client.AsyncTimeout <= 0 {
		errs = append(errs, errors.New("client timeouts must be positive"))
	}
	for p, addrs := range c.Partitions {
		if len(addrs) == 0 {
			errs = append(errs, fmt.Errorf("partitions.%d has no address", p))
		}
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		errs = append(errs, errors.New("etcd.ttl must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CodecType maps client.codec to the payload codec.
func (c *Config) CodecType() (codec.CodecType, error) {
	switch c.Client.Codec {
	case "binary", "":
		return codec.CodecTypeBinary, nil
	case "json":
		return codec.CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("client.codec %q: want binary or json", c.Client.Codec)
}

// UseEtcd reports whether partitions are resolved through etcd.
func (c *Config) UseEtcd() bool {
	return len(c.Etcd.Endpoints) > 0
}

// StaticTable builds the resolver for the static partitions table.
func (c *Config) StaticTable() *registry.StaticTable {
	tbl := registry.NewStaticTable()
	for p, addrs := range c.Partitions {
		for _, addr := range addrs {
			tbl.Add(p, registry.Instance{Addr: addr, Weight: 1})
		}
	}
	return tbl
}

// NewLogger builds a production zap logger at log.level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
