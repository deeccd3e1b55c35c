// Package main runs one or more configured data-source pipelines: connect,
// snapshot, stream, and expose health plus Prometheus metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nndrao/components-sub001/datasource"
	"github.com/nndrao/components-sub001/health"
	"github.com/nndrao/components-sub001/metric"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Printf("[INGESTD ERROR] %v", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		metricsPort = flag.Int("metrics-port", 9090, "port for /metrics and /health")
		stopTimeout = flag.Duration("stop-timeout", 10*time.Second, "graceful shutdown timeout")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("ingestd", version)
		return nil
	}

	configs := flag.Args()
	if len(configs) == 0 {
		return fmt.Errorf("usage: ingestd [flags] <source-config.yaml> [more configs...]")
	}

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	var providers []*datasource.Provider
	for _, path := range configs {
		cfg, err := datasource.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		p, err := datasource.New(cfg, datasource.WithMetricsRegistry(registry))
		if err != nil {
			return fmt.Errorf("build source %s: %w", cfg.Name, err)
		}
		providers = append(providers, p)
		monitor.Register(p)
	}

	server := metric.NewServer(*metricsPort, "/metrics", registry)
	server.SetHealthHandler(monitor.Handler())
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("[INGESTD ERROR] Metrics server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	started := make([]*datasource.Provider, 0, len(providers))
	for _, p := range providers {
		if err := p.Start(ctx); err != nil {
			log.Printf("[INGESTD ERROR] Start %s: %v", p.Meta().Name, err)
			continue
		}
		log.Printf("[INGESTD] Source %s active with %d rows", p.Meta().Name, p.RowCount())
		started = append(started, p)
	}
	if len(started) == 0 {
		_ = server.Stop()
		return fmt.Errorf("no source could be started")
	}

	<-ctx.Done()
	log.Printf("[INGESTD] Shutting down")

	for _, p := range started {
		if err := p.Stop(*stopTimeout); err != nil {
			log.Printf("[INGESTD ERROR] Stop %s: %v", p.Meta().Name, err)
		}
	}
	return server.Stop()
}
