package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"ember.fyi/pulse/internal/cli"
	"ember.fyi/pulse/internal/config"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/logging"
	"ember.fyi/pulse/internal/population"
)

func runRecomputeStats(args []string) int {
	fs := flag.NewFlagSet("recompute-stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "recompute-stats does not accept positional arguments")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("recompute-stats command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	provider := population.NewProvider(pool, logger, population.Options{
		MinSnapshots: cfg.MinSnapshots,
	})
	stats, err := provider.Recompute(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("recompute population statistics failed")
		fmt.Fprintf(os.Stderr, "Recompute failed: %v\n", err)
		return 1
	}

	fmt.Printf("recompute-stats metrics=%d snapshots=%d\n", len(stats.Metrics), stats.SampleSize)
	return 0
}
