package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ember.fyi/pulse/internal/cli"
	"ember.fyi/pulse/internal/config"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/logging"
	"ember.fyi/pulse/internal/queue"
)

func runEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	userID := fs.Int64("user-id", 0, "User the job scores")
	jobType := fs.String("job-type", "", "Job type: content_analysis, dna_recalculation, or weekly_matches")
	payloadJSON := fs.String("payload", "", "Job payload as a JSON object")
	priority := fs.Int("priority", queue.DefaultPriority, "Job priority (lower runs first)")
	notBefore := fs.String("not-before", "", "Earliest execution time (RFC3339)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "--user-id must be > 0")
		return 2
	}
	if !queue.IsKnownJobType(queue.JobType(strings.TrimSpace(*jobType))) {
		fmt.Fprintf(os.Stderr, "--job-type must be one of %v\n", queue.KnownJobTypes())
		return 2
	}

	var payload json.RawMessage
	if strings.TrimSpace(*payloadJSON) != "" {
		if !json.Valid([]byte(*payloadJSON)) {
			fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
			return 2
		}
		payload = json.RawMessage(*payloadJSON)
	}

	var notBeforeTime *time.Time
	if strings.TrimSpace(*notBefore) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*notBefore))
		if err != nil {
			fmt.Fprintln(os.Stderr, "--not-before must be RFC3339")
			return 2
		}
		utc := parsed.UTC()
		notBeforeTime = &utc
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
		logger.Error().Err(err).Msg("enqueue command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	queueSvc := queue.NewService(pool, logger, queue.Options{
		BackoffBase: cfg.BackoffBase,
		ClaimGrace:  cfg.ClaimGrace,
		MaxAttempts: cfg.JobMaxAttempts,
	})

	jobID, err := queueSvc.Enqueue(ctx, queue.EnqueueParams{
		JobType:   queue.JobType(strings.TrimSpace(*jobType)),
		UserID:    *userID,
		Payload:   payload,
		Priority:  *priority,
		NotBefore: notBeforeTime,
	})
	if err != nil {
		logger.Error().Err(err).Msg("enqueue failed")
		fmt.Fprintf(os.Stderr, "Enqueue failed: %v\n", err)
		return 1
	}

	fmt.Printf("enqueued job_id=%d job_type=%s user_id=%d priority=%d\n", jobID, *jobType, *userID, *priority)
	return 0
}
