// Command cellrpc-probe runs the conformance cycle against a live server:
// every probe type with every case of the data set, reporting each failure.
//
//	cellrpc-probe -config cellrpc.yaml -rounds 10 -parallel 4
//
// A remote run cannot see the server's slots, so it checks what the wire
// reports: acks, completions and SynWithRsp responses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cellrpc/client"
	"cellrpc/config"
	"cellrpc/probe"
	"cellrpc/registry"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (empty = defaults)")
	rounds := flag.Int("rounds", 1, "conformance cycles per worker")
	parallel := flag.Int("parallel", 1, "concurrent workers")
	flag.Parse()

	failed, err := run(*configPath, *rounds, *parallel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cellrpc-probe:", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(2)
	}
}

func run(configPath string, rounds, parallel int) (int64, error) {
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return 0, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return 0, err
	}
	defer logger.Sync()

	codecType, err := cfg.CodecType()
	if err != nil {
		return 0, err
	}

	var resolver registry.Resolver = cfg.StaticTable()
	if cfg.UseEtcd() {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger.Named("registry"))
		if err != nil {
			return 0, fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdReg.Close()
		resolver = etcdReg
	}

	cli := client.NewClient(resolver,
		client.WithCodec(codecType),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithLogger(logger.Named("client")),
	)
	defer cli.Close()
	pc := probe.NewClient(cli, cfg.Client.Partition)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var calls, failed atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < parallel; w++ {
		worker := w
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report := probe.Run(gctx, pc, nil, probe.Cases, cfg.Client.CallTimeout, cfg.Client.AsyncTimeout)
				calls.Add(int64(len(report)))
				for _, o := range report.Failed() {
					failed.Add(1)
					logger.Warn("probe call failed",
						zap.Int("worker", worker), zap.Int("round", r), zap.Int("case", o.Case),
						zap.Stringer("type", o.Type), zap.Stringer("request", o.Request), zap.Error(o.Err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed.Load(), err
	}

	logger.Info("conformance run finished",
		zap.Uint32("partition", pc.Partition()),
		zap.Int64("calls", calls.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return failed.Load(), nil
}
