package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"panosearch/internal/cli"
	"panosearch/internal/config"
	"panosearch/internal/logging"
	"panosearch/internal/pipeline"
	"panosearch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run history disabled", "db", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pipe := pipeline.New(ctx, max(1, cfg.Watch.Concurrency), logger, store, cfg)
	err = cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)

	pipe.Stop()
	stop()
	if store != nil {
		_ = store.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
