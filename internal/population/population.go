package population

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

const DefaultMinSnapshots = 10

// MetricStat is one metric's population summary.
type MetricStat struct {
	Mean       float64
	StdDev     float64
	SampleSize int
}

// Stats holds per-metric population statistics plus the snapshot count they
// were derived from.
type Stats struct {
	Metrics    map[string]MetricStat
	SampleSize int
}

type Options struct {
	// MinSnapshots is the floor below which computed statistics are
	// considered unstable and hard-coded defaults are served instead.
	MinSnapshots int
}

type Provider struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

// defaultStats anchors scoring on a cold system. Values approximate a
// mature population so early z-scores stay plausible rather than exploding
// off a handful of snapshots.
var defaultStats = map[string]MetricStat{
	"avg_response_seconds":    {Mean: 5400, StdDev: 4200},
	"messages_per_day":        {Mean: 14, StdDev: 9},
	"avg_message_length":      {Mean: 62, StdDev: 34},
	"emoji_ratio":             {Mean: 0.18, StdDev: 0.12},
	"voice_note_ratio":        {Mean: 0.06, StdDev: 0.08},
	"active_hours_per_day":    {Mean: 3.2, StdDev: 1.8},
	"match_acceptance_rate":   {Mean: 0.31, StdDev: 0.17},
	"avg_decision_seconds":    {Mean: 420, StdDev: 380},
	"conversation_start_rate": {Mean: 0.44, StdDev: 0.22},
}

// DefaultStats returns a copy of the cold-system fallback statistics.
func DefaultStats() Stats {
	metrics := make(map[string]MetricStat, len(defaultStats))
	for name, stat := range defaultStats {
		metrics[name] = stat
	}
	return Stats{Metrics: metrics}
}

func NewProvider(pool *db.Pool, logger zerolog.Logger, opts Options) *Provider {
	if opts.MinSnapshots <= 0 {
		opts.MinSnapshots = DefaultMinSnapshots
	}
	return &Provider{
		pool:   pool,
		logger: logger,
		opts:   opts,
	}
}

// Recompute rebuilds pulse.population_statistics from every behavioral
// snapshot. Statistics are read-many/written-rarely; analyzers tolerate a
// stale view, so this runs without coordination.
func (p *Provider) Recompute(ctx context.Context) (Stats, error) {
	if p == nil || p.pool == nil {
		return Stats{}, fmt.Errorf("population provider is not initialized")
	}

	const statsQuery = `
SELECT
	m.key,
	AVG(m.value::double precision),
	STDDEV_POP(m.value::double precision),
	COUNT(*)::INT
FROM pulse.behavioral_snapshots bs,
	jsonb_each_text(bs.metrics) AS m(key, value)
GROUP BY m.key
ORDER BY m.key
`

	rows, err := p.pool.Query(ctx, statsQuery)
	if err != nil {
		return Stats{}, fmt.Errorf("query metric statistics: %w", err)
	}
	defer rows.Close()

	stats := Stats{Metrics: map[string]MetricStat{}}
	for rows.Next() {
		var (
			metric string
			mean   float64
			stddev *float64
			count  int
		)
		if err := rows.Scan(&metric, &mean, &stddev, &count); err != nil {
			return Stats{}, fmt.Errorf("scan metric statistic: %w", err)
		}

		stat := MetricStat{Mean: mean, SampleSize: count}
		if stddev != nil {
			stat.StdDev = *stddev
		}
		stats.Metrics[metric] = stat
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate metric statistics: %w", err)
	}

	const countQuery = `SELECT COUNT(*) FROM pulse.behavioral_snapshots`
	if err := p.pool.QueryRow(ctx, countQuery).Scan(&stats.SampleSize); err != nil {
		return Stats{}, fmt.Errorf("count snapshots: %w", err)
	}

	now := globaltime.UTC()
	for metric, stat := range stats.Metrics {
		const upsertQuery = `
INSERT INTO pulse.population_statistics (metric, mean, std_dev, sample_size, computed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (metric) DO UPDATE
SET mean = EXCLUDED.mean,
	std_dev = EXCLUDED.std_dev,
	sample_size = EXCLUDED.sample_size,
	computed_at = EXCLUDED.computed_at
`
		if _, err := p.pool.Exec(ctx, upsertQuery, metric, stat.Mean, stat.StdDev, stat.SampleSize, now); err != nil {
			return Stats{}, fmt.Errorf("upsert statistic for metric %q: %w", metric, err)
		}
	}

	p.logger.Info().
		Int("metrics", len(stats.Metrics)).
		Int("snapshots", stats.SampleSize).
		Msg("population statistics recomputed")

	return stats, nil
}

// Load reads the cached statistics table. Below the snapshot floor, or for
// metrics with no cached row, the hard-coded defaults apply.
func (p *Provider) Load(ctx context.Context) (Stats, error) {
	if p == nil || p.pool == nil {
		return Stats{}, fmt.Errorf("population provider is not initialized")
	}

	const q = `
SELECT metric, mean, std_dev, sample_size
FROM pulse.population_statistics
ORDER BY metric
`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return Stats{}, fmt.Errorf("query population statistics: %w", err)
	}
	defer rows.Close()

	computed := map[string]MetricStat{}
	maxSample := 0
	for rows.Next() {
		var (
			metric string
			stat   MetricStat
		)
		if err := rows.Scan(&metric, &stat.Mean, &stat.StdDev, &stat.SampleSize); err != nil {
			return Stats{}, fmt.Errorf("scan population statistic: %w", err)
		}
		computed[metric] = stat
		if stat.SampleSize > maxSample {
			maxSample = stat.SampleSize
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate population statistics: %w", err)
	}

	return Resolve(computed, maxSample, p.opts.MinSnapshots), nil
}

// Resolve merges computed statistics with the defaults: below minSnapshots
// the defaults win wholesale, otherwise computed metrics override defaults
// metric by metric.
func Resolve(computed map[string]MetricStat, sampleSize, minSnapshots int) Stats {
	if minSnapshots <= 0 {
		minSnapshots = DefaultMinSnapshots
	}

	stats := DefaultStats()
	stats.SampleSize = sampleSize
	if sampleSize < minSnapshots {
		return stats
	}

	for metric, stat := range computed {
		stats.Metrics[metric] = stat
	}
	return stats
}
