package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ember.fyi/pulse/internal/cli"
	"ember.fyi/pulse/internal/config"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/logging"
	"ember.fyi/pulse/internal/queue"
)

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	workers := fs.Int("workers", 0, "Worker count (defaults to PULSE_WORKER_COUNT)")
	drain := fs.Bool("drain", false, "Exit once the queue is empty instead of polling forever")
	timeout := fs.Duration("timeout", 0, "Overall run timeout (0 runs until signalled)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "work does not accept positional arguments")
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("work command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := buildServices(pool, cfg, logger)
	registry, err := buildRegistry(svc)
	if err != nil {
		logger.Error().Err(err).Msg("build handler registry failed")
		fmt.Fprintf(os.Stderr, "Failed to build handler registry: %v\n", err)
		return 1
	}

	workerCount := *workers
	if workerCount <= 0 {
		workerCount = cfg.WorkerCount
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	workerPool := queue.NewPool(svc.queue, svc.runs, registry, logger, queue.PoolOptions{
		Workers:    workerCount,
		PollDelay:  cfg.WorkerPollDelay,
		JobTimeout: cfg.JobTimeout,
		Drain:      *drain,
	})

	logger.Info().Int("workers", workerCount).Bool("drain", *drain).Msg("worker pool starting")
	if err := workerPool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error().Err(err).Msg("worker pool failed")
		fmt.Fprintf(os.Stderr, "Worker pool failed: %v\n", err)
		return 1
	}

	if *drain {
		// Retries scheduled into a backoff window stay behind after a drain.
		countCtx, countCancel := context.WithTimeout(context.Background(), 10*time.Second)
		remaining, countErr := svc.queue.PendingCount(countCtx)
		countCancel()
		if countErr != nil {
			logger.Warn().Err(countErr).Msg("count remaining jobs failed")
		} else {
			logger.Info().Int64("remaining", remaining).Msg("queue drained")
		}
	}

	logger.Info().Msg("worker pool stopped")
	return 0
}
