package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ember.fyi/pulse/internal/cli"
	"ember.fyi/pulse/internal/config"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
	"ember.fyi/pulse/internal/logging"
	"ember.fyi/pulse/internal/queue"
	"ember.fyi/pulse/internal/runs"
)

// scoreStaleAfterDays is the recomputation window the scheduler applies to
// both analyzers: a score older than this marks its user for a fresh job.
const scoreStaleAfterDays = 7

func runSchedule(args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	runType := fs.String("run-type", runs.RunTypeManual, "Batch run type: manual, scheduled_daily, or weekly_full")
	limit := fs.Int("limit", 1000, "Maximum users to enqueue per analyzer")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if !runs.ValidRunType(strings.TrimSpace(*runType)) {
		fmt.Fprintln(os.Stderr, "--run-type must be manual, scheduled_daily, or weekly_full")
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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
		logger.Error().Err(err).Msg("schedule command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := buildServices(pool, cfg, logger)

	runID, err := svc.runs.StartRun(ctx, strings.TrimSpace(*runType))
	if err != nil {
		logger.Error().Err(err).Msg("start batch run failed")
		fmt.Fprintf(os.Stderr, "Failed to start batch run: %v\n", err)
		return 1
	}

	dnaJobs, err := enqueueDNAJobs(ctx, pool, svc.queue, runID, *limit)
	if err != nil {
		logger.Error().Err(err).Int64("run_id", runID).Msg("enqueue dna jobs failed")
		fmt.Fprintf(os.Stderr, "Failed to enqueue dna_recalculation jobs: %v\n", err)
		return 1
	}

	contentJobs, err := enqueueContentJobs(ctx, pool, svc.queue, runID, *limit)
	if err != nil {
		logger.Error().Err(err).Int64("run_id", runID).Msg("enqueue content jobs failed")
		fmt.Fprintf(os.Stderr, "Failed to enqueue content_analysis jobs: %v\n", err)
		return 1
	}

	total := dnaJobs + contentJobs
	if total == 0 {
		// Nothing to do; close the run instead of leaving it open forever.
		if err := svc.runs.FinishRun(ctx, runID); err != nil {
			logger.Error().Err(err).Int64("run_id", runID).Msg("finish empty run failed")
			fmt.Fprintf(os.Stderr, "Failed to finish empty run: %v\n", err)
			return 1
		}
	}

	logger.Info().
		Int64("run_id", runID).
		Str("run_type", *runType).
		Int("dna_jobs", dnaJobs).
		Int("content_jobs", contentJobs).
		Msg("schedule completed")
	fmt.Printf(
		"schedule run_id=%d run_type=%s dna_jobs=%d content_jobs=%d total=%d\n",
		runID, *runType, dnaJobs, contentJobs, total,
	)
	return 0
}

// enqueueDNAJobs targets users whose latest snapshot was never scored or
// whose score is older than the staleness window.
func enqueueDNAJobs(ctx context.Context, pool *db.Pool, queueSvc *queue.Service, runID int64, limit int) (int, error) {
	staleBefore := globaltime.UTC().AddDate(0, 0, -scoreStaleAfterDays)

	const q = `
SELECT DISTINCT ON (user_id) user_id, days_active
FROM pulse.behavioral_snapshots
WHERE uniqueness_score IS NULL
   OR computed_at IS NULL
   OR computed_at < $1
ORDER BY user_id, period_start DESC
LIMIT $2
`
	rows, err := pool.Query(ctx, q, staleBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("select users needing dna recalculation: %w", err)
	}
	defer rows.Close()

	type target struct {
		userID     int64
		daysActive int
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.userID, &t.daysActive); err != nil {
			return 0, fmt.Errorf("scan dna target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate dna targets: %w", err)
	}

	for _, t := range targets {
		if _, err := queueSvc.Enqueue(ctx, queue.EnqueueParams{
			JobType: queue.JobTypeDNARecalculation,
			UserID:  t.userID,
			Payload: queue.DNARecalculationPayload{DaysActive: t.daysActive},
			RunID:   &runID,
		}); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// enqueueContentJobs targets users with live content whose similarity cache
// entry is missing or expired.
func enqueueContentJobs(ctx context.Context, pool *db.Pool, queueSvc *queue.Service, runID int64, limit int) (int, error) {
	now := globaltime.UTC()

	const q = `
SELECT DISTINCT ci.user_id
FROM pulse.content_items ci
LEFT JOIN pulse.similarity_cache sc ON sc.user_id = ci.user_id
WHERE ci.deleted_at IS NULL
  AND (sc.user_id IS NULL OR sc.valid_until <= $1)
ORDER BY ci.user_id
LIMIT $2
`
	rows, err := pool.Query(ctx, q, now, limit)
	if err != nil {
		return 0, fmt.Errorf("select users needing content analysis: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return 0, fmt.Errorf("scan content target: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate content targets: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := queueSvc.Enqueue(ctx, queue.EnqueueParams{
			JobType: queue.JobTypeContentAnalysis,
			UserID:  userID,
			Payload: queue.ContentAnalysisPayload{},
			RunID:   &runID,
		}); err != nil {
			return 0, err
		}
	}
	return len(userIDs), nil
}
