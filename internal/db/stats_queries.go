package db

import (
	"context"
	"fmt"
	"time"
)

// StatsJobCounts stores per-status job counts.
type StatsJobCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// StatsRunCounts stores per-status batch run counts plus accumulated cost
// telemetry.
type StatsRunCounts struct {
	Running      int64 `json:"running"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	TokensUsed   int64 `json:"tokens_used"`
	APICostCents int64 `json:"api_cost_cents"`
}

// StatsScoreCounts stores scoring coverage counters.
type StatsScoreCounts struct {
	Snapshots       int64 `json:"snapshots"`
	SnapshotsScored int64 `json:"snapshots_scored"`
	ContentItems    int64 `json:"content_items"`
	Embeddings      int64 `json:"embeddings"`
	CacheEntries    int64 `json:"cache_entries"`
	CacheValid      int64 `json:"cache_valid"`
	WeeklyMatches   int64 `json:"weekly_matches"`
}

// PipelineStats is the read model returned by the stats command and the
// stats endpoint.
type PipelineStats struct {
	Jobs   StatsJobCounts   `json:"jobs"`
	Runs   StatsRunCounts   `json:"runs"`
	Scores StatsScoreCounts `json:"scores"`
}

// QueryPipelineStats returns queue, run, and scoring counters in one shot.
func (p *Pool) QueryPipelineStats(ctx context.Context, now time.Time) (*PipelineStats, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	stats := &PipelineStats{}

	const jobsQuery = `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'processing'),
	COUNT(*) FILTER (WHERE status = 'retry'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed')
FROM pulse.jobs
`
	if err := p.QueryRow(ctx, jobsQuery).Scan(
		&stats.Jobs.Pending,
		&stats.Jobs.Processing,
		&stats.Jobs.Retry,
		&stats.Jobs.Completed,
		&stats.Jobs.Failed,
	); err != nil {
		return nil, fmt.Errorf("query job counts: %w", err)
	}

	const runsQuery = `
SELECT
	COUNT(*) FILTER (WHERE status = 'running'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COALESCE(SUM(tokens_used), 0),
	COALESCE(SUM(api_cost_cents), 0)
FROM pulse.batch_runs
`
	if err := p.QueryRow(ctx, runsQuery).Scan(
		&stats.Runs.Running,
		&stats.Runs.Completed,
		&stats.Runs.Failed,
		&stats.Runs.TokensUsed,
		&stats.Runs.APICostCents,
	); err != nil {
		return nil, fmt.Errorf("query run counts: %w", err)
	}

	const scoresQuery = `
SELECT
	(SELECT COUNT(*) FROM pulse.behavioral_snapshots),
	(SELECT COUNT(*) FROM pulse.behavioral_snapshots WHERE uniqueness_score IS NOT NULL),
	(SELECT COUNT(*) FROM pulse.content_items WHERE deleted_at IS NULL),
	(SELECT COUNT(*) FROM pulse.content_embeddings),
	(SELECT COUNT(*) FROM pulse.similarity_cache),
	(SELECT COUNT(*) FROM pulse.similarity_cache WHERE valid_until > $1),
	(SELECT COUNT(*) FROM pulse.weekly_matches)
`
	if err := p.QueryRow(ctx, scoresQuery, now.UTC()).Scan(
		&stats.Scores.Snapshots,
		&stats.Scores.SnapshotsScored,
		&stats.Scores.ContentItems,
		&stats.Scores.Embeddings,
		&stats.Scores.CacheEntries,
		&stats.Scores.CacheValid,
		&stats.Scores.WeeklyMatches,
	); err != nil {
		return nil, fmt.Errorf("query score counts: %w", err)
	}

	return stats, nil
}
