// Command coordinator runs the Fleet Discovery & Subscription
// Coordinator as a standalone process: it dials the pub/sub transport,
// wires up discovery/subscription/schema, and (when debug_api.enabled is
// set) serves the debug HTTP surface, until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bubbaloop/fleetd/internal/config"
	"github.com/bubbaloop/fleetd/internal/coordinator"
	"github.com/bubbaloop/fleetd/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the coordinator's YAML configuration")
	dumpConfig := flag.Bool("dump-config", false, "write an example configuration to stdout and exit")
	flag.Parse()

	if *dumpConfig {
		return config.DumpExampleConfig(os.Stdout)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := config.InitLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(cfg, logger)

	session, err := transport.Dial(cfg.Transport.Endpoint, logger)
	if err != nil {
		logger.Warn("coordinator: initial transport dial failed, starting without a session", "error", err)
	} else {
		coord.SetSession(session)
	}

	coord.Start(ctx)
	logger.Info("coordinator: started", "endpoint", cfg.Transport.Endpoint)

	<-ctx.Done()
	logger.Info("coordinator: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
