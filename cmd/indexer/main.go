// Command indexer runs the full atproto indexing pipeline: the Firehose
// Consumer (F) and Backfill Scheduler (E), supervised by component G,
// writing through the shared Storage Writer (D).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/atproto-indexer/internal/backfill"
	"github.com/blackmichael/atproto-indexer/internal/config"
	"github.com/blackmichael/atproto-indexer/internal/decode"
	"github.com/blackmichael/atproto-indexer/internal/fetch"
	"github.com/blackmichael/atproto-indexer/internal/firehose"
	"github.com/blackmichael/atproto-indexer/internal/storage"
	"github.com/blackmichael/atproto-indexer/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL, cfg.DatabasePoolSize, cfg.StorageBatchSize, cfg.StorageMaxRetries)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	logger.Info("connected to database")

	decoder, err := decode.NewDecoder(cfg.CIDCacheSize)
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}

	fetcher := fetch.NewFetcher(fetch.Config{
		PLCDirectoryURL:        cfg.PLCDirectoryURL,
		HTTPPerHostConnections: cfg.HTTPPerHostConnections,
		MaxAttempts:            cfg.FetchMaxAttempts,
		MaxBackoff:             cfg.FetchMaxBackoff,
		Timeout:                cfg.FetchTimeout,
	})

	subscriber := firehose.NewSubscriber(
		cfg.FirehoseURL,
		store,
		decoder,
		logger,
		cfg.FirehoseConnectTimeout,
		cfg.FirehoseIdleTimeout,
		cfg.CursorPersistEvery,
		cfg.CursorPersistInterval,
		cfg.CursorSafetyMargin,
	)

	scheduler := backfill.NewScheduler(
		store,
		fetcher,
		decoder,
		logger,
		cfg.BackfillConcurrency,
		cfg.BackfillInterval,
		cfg.BackfillAgeThreshold,
	)

	sup := supervisor.New(logger, cfg.SupervisorRestartBudget, cfg.SupervisorRestartWindow, cfg.ShutdownTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan struct{})
	go func() {
		sup.Run(ctx, map[string]supervisor.Child{
			"firehose": subscriber,
			"backfill": scheduler,
		})
		close(runDone)
	}()

	logger.Info("indexer started", "firehose_url", cfg.FirehoseURL)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	<-runDone
	logger.Info("shutdown complete")
	return nil
}
