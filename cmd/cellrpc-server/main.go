// Command cellrpc-server hosts the probe message types on the configured
// partitions.
//
//	cellrpc-server -config cellrpc.yaml
//
// With etcd endpoints configured the hosted partitions are announced under a
// lease and withdrawn on shutdown (SIGINT / SIGTERM).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cellrpc/config"
	"cellrpc/middleware"
	"cellrpc/probe"
	"cellrpc/registry"
	"cellrpc/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (empty = defaults)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 5*time.Second, "grace period for in-flight requests")
	flag.Parse()

	if err := run(*configPath, *shutdownTimeout); err != nil {
		fmt.Fprintln(os.Stderr, "cellrpc-server:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(configPath string, shutdownTimeout time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	svr := server.NewServer(
		server.WithLogger(logger.Named("server")),
		server.WithMaxPayload(cfg.Server.MaxPayload),
		server.WithPartitions(cfg.Server.Partitions...),
		server.WithRegistryTTL(cfg.Etcd.TTL),
	)
	svr.Use(middleware.Logging(logger.Named("dispatch")))
	if cfg.Server.RateLimit.RPS > 0 {
		svr.Use(middleware.RateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.Server.HandlerTimeout))
	}
	if err := probe.Register(svr); err != nil {
		return err
	}

	var reg registry.Registry
	if cfg.UseEtcd() {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger.Named("registry"))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, reg)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("grace", shutdownTimeout))
		return svr.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}
