package uniqueness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
	"ember.fyi/pulse/internal/population"
)

const (
	// MinDaysActive is the activity floor below which no score is computed.
	MinDaysActive = 7

	// FallbackScore is returned when a user has enough activity but no
	// snapshot to score against.
	FallbackScore = 30

	DefaultScale          = 30.0
	DefaultExtremeZCutoff = 2.0
)

type Options struct {
	// Scale and ExtremeZCutoff are historical scoring constants; see the
	// config package.
	Scale          float64
	ExtremeZCutoff float64
}

type Analyzer struct {
	pool       *db.Pool
	population *population.Provider
	logger     zerolog.Logger
	opts       Options
}

// Result is one user's uniqueness evaluation.
type Result struct {
	Score           int                `json:"score"`
	ZScores         map[string]float64 `json:"z_scores,omitempty"`
	ExtremePatterns []string           `json:"extreme_patterns,omitempty"`
	Explanation     string             `json:"explanation"`
}

func NewAnalyzer(pool *db.Pool, pop *population.Provider, logger zerolog.Logger, opts Options) *Analyzer {
	if opts.Scale <= 0 {
		opts.Scale = DefaultScale
	}
	if opts.ExtremeZCutoff <= 0 {
		opts.ExtremeZCutoff = DefaultExtremeZCutoff
	}
	return &Analyzer{
		pool:       pool,
		population: pop,
		logger:     logger,
		opts:       opts,
	}
}

// Score evaluates one user's behavioral uniqueness against the population
// and persists the z-score vector and score onto the latest snapshot.
//
// Two low-data outcomes are distinct on purpose: under MinDaysActive the
// score is 0 ("not enough data"), while a sufficiently active user without
// a snapshot gets the flat FallbackScore ("some data but nothing to compare
// yet"). Callers surface both explanations to the user.
func (a *Analyzer) Score(ctx context.Context, userID int64, daysActive int) (*Result, error) {
	if a == nil || a.pool == nil {
		return nil, fmt.Errorf("uniqueness analyzer is not initialized")
	}

	if daysActive < MinDaysActive {
		return &Result{
			Score: 0,
			Explanation: fmt.Sprintf(
				"Only %d of the %d active days needed for a behavioral profile. Keep using the app and check back soon.",
				daysActive, MinDaysActive,
			),
		}, nil
	}

	snapshot, err := a.latestSnapshot(ctx, userID)
	if err != nil {
		if db.IsNoRows(err) {
			return &Result{
				Score:       FallbackScore,
				Explanation: "Your behavioral profile is still being assembled. A full uniqueness breakdown arrives with your first activity snapshot.",
			}, nil
		}
		return nil, err
	}

	stats, err := a.population.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load population statistics: %w", err)
	}

	zScores := ZScores(snapshot.metrics, stats)
	score := ScoreFromZ(zScores, a.opts.Scale)
	patterns := ExtremePatterns(zScores, a.opts.ExtremeZCutoff)

	if err := a.persist(ctx, snapshot.snapshotID, zScores, score); err != nil {
		return nil, err
	}

	a.logger.Info().
		Int64("user_id", userID).
		Int("score", score).
		Int("extreme_patterns", len(patterns)).
		Msg("uniqueness score computed")

	return &Result{
		Score:           score,
		ZScores:         zScores,
		ExtremePatterns: patterns,
		Explanation:     Explanation(score, patterns),
	}, nil
}

// Latest returns the most recently computed result for a user without
// recomputing anything. Used by the read API.
func (a *Analyzer) Latest(ctx context.Context, userID int64) (*Result, error) {
	if a == nil || a.pool == nil {
		return nil, fmt.Errorf("uniqueness analyzer is not initialized")
	}

	const q = `
SELECT z_scores::text, uniqueness_score
FROM pulse.behavioral_snapshots
WHERE user_id = $1 AND uniqueness_score IS NOT NULL
ORDER BY period_start DESC
LIMIT 1
`
	var (
		zScoresText *string
		score       int
	)
	if err := a.pool.QueryRow(ctx, q, userID).Scan(&zScoresText, &score); err != nil {
		if db.IsNoRows(err) {
			return nil, db.ErrNoRows
		}
		return nil, fmt.Errorf("load latest uniqueness for user_id=%d: %w", userID, err)
	}

	zScores := map[string]float64{}
	if zScoresText != nil && *zScoresText != "" {
		if err := json.Unmarshal([]byte(*zScoresText), &zScores); err != nil {
			return nil, fmt.Errorf("decode z-scores for user_id=%d: %w", userID, err)
		}
	}

	patterns := ExtremePatterns(zScores, a.opts.ExtremeZCutoff)
	return &Result{
		Score:           score,
		ZScores:         zScores,
		ExtremePatterns: patterns,
		Explanation:     Explanation(score, patterns),
	}, nil
}

type snapshotRow struct {
	snapshotID int64
	metrics    map[string]float64
}

func (a *Analyzer) latestSnapshot(ctx context.Context, userID int64) (*snapshotRow, error) {
	const q = `
SELECT snapshot_id, metrics::text
FROM pulse.behavioral_snapshots
WHERE user_id = $1
ORDER BY period_start DESC
LIMIT 1
`
	var (
		row         snapshotRow
		metricsText string
	)
	if err := a.pool.QueryRow(ctx, q, userID).Scan(&row.snapshotID, &metricsText); err != nil {
		if db.IsNoRows(err) {
			return nil, db.ErrNoRows
		}
		return nil, fmt.Errorf("load snapshot for user_id=%d: %w", userID, err)
	}

	if err := json.Unmarshal([]byte(metricsText), &row.metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for user_id=%d: %w", userID, err)
	}
	return &row, nil
}

func (a *Analyzer) persist(ctx context.Context, snapshotID int64, zScores map[string]float64, score int) error {
	zJSON, err := json.Marshal(zScores)
	if err != nil {
		return fmt.Errorf("marshal z-scores: %w", err)
	}

	now := globaltime.UTC()
	const q = `
UPDATE pulse.behavioral_snapshots
SET z_scores = $2::jsonb, uniqueness_score = $3, computed_at = $4, updated_at = $4
WHERE snapshot_id = $1
`
	if _, err := a.pool.Exec(ctx, q, snapshotID, string(zJSON), score, now); err != nil {
		return fmt.Errorf("persist uniqueness for snapshot_id=%d: %w", snapshotID, err)
	}
	return nil
}

// ZScores computes the z-score of each metric against the population. A zero
// population standard deviation is floored to 1 so a degenerate population
// yields a plain deviation from the mean instead of an infinite z.
func ZScores(metrics map[string]float64, stats population.Stats) map[string]float64 {
	zScores := make(map[string]float64, len(metrics))
	for metric, value := range metrics {
		stat, ok := stats.Metrics[metric]
		if !ok {
			continue
		}
		stdDev := stat.StdDev
		if stdDev == 0 {
			stdDev = 1
		}
		zScores[metric] = (value - stat.Mean) / stdDev
	}
	return zScores
}

// ScoreFromZ maps a z-score vector to the 0-100 uniqueness score:
// round(min(100, mean(|z|) * scale)). With the historical scale of 30 an
// average |z| of about 3.3 saturates at 100.
func ScoreFromZ(zScores map[string]float64, scale float64) int {
	if len(zScores) == 0 {
		return 0
	}

	var sum float64
	for _, z := range zScores {
		sum += math.Abs(z)
	}
	mean := sum / float64(len(zScores))
	return int(math.Round(math.Min(100, mean*scale)))
}

// extremeLabels maps each tracked metric to its direction-aware pattern
// labels. high applies when z exceeds the cutoff, low when it falls below
// the negative cutoff.
var extremeLabels = map[string]struct{ high, low string }{
	"avg_response_seconds":    {high: "Thoughtful responder", low: "Lightning-fast responder"},
	"messages_per_day":        {high: "Prolific conversationalist", low: "Selective communicator"},
	"avg_message_length":      {high: "Essayist", low: "Master of brevity"},
	"emoji_ratio":             {high: "Emoji enthusiast", low: "Words-only purist"},
	"voice_note_ratio":        {high: "Voice-first communicator", low: "Strictly text"},
	"active_hours_per_day":    {high: "Always-on presence", low: "Rare but deliberate visitor"},
	"match_acceptance_rate":   {high: "Open-hearted matcher", low: "Highly selective matcher"},
	"avg_decision_seconds":    {high: "Deliberate decider", low: "Instant decider"},
	"conversation_start_rate": {high: "Bold conversation starter", low: "Prefers to be approached"},
}

// ExtremePatterns extracts the direction-aware labels for every metric with
// |z| above the cutoff. Metrics below the threshold stay silent. Output is
// sorted by |z| descending so the strongest signal leads the explanation.
func ExtremePatterns(zScores map[string]float64, cutoff float64) []string {
	if cutoff <= 0 {
		cutoff = DefaultExtremeZCutoff
	}

	type hit struct {
		label string
		absZ  float64
	}
	var hits []hit
	for metric, z := range zScores {
		if math.Abs(z) <= cutoff {
			continue
		}
		labels, ok := extremeLabels[metric]
		if !ok {
			continue
		}
		label := labels.high
		if z < 0 {
			label = labels.low
		}
		hits = append(hits, hit{label: label, absZ: math.Abs(z)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].absZ != hits[j].absZ {
			return hits[i].absZ > hits[j].absZ
		}
		return hits[i].label < hits[j].label
	})

	patterns := make([]string, 0, len(hits))
	for _, h := range hits {
		patterns = append(patterns, h.label)
	}
	return patterns
}

// Explanation renders the user-facing summary for a computed score.
func Explanation(score int, patterns []string) string {
	switch {
	case len(patterns) > 0:
		return fmt.Sprintf("Your behavior stands out from the crowd: %s.", joinPatterns(patterns))
	case score >= 50:
		return "Your overall activity pattern is distinctly your own, with no single habit dominating."
	default:
		return "Your activity pattern sits close to the population average."
	}
}

func joinPatterns(patterns []string) string {
	switch len(patterns) {
	case 0:
		return ""
	case 1:
		return patterns[0]
	}

	out := patterns[0]
	for _, p := range patterns[1 : len(patterns)-1] {
		out += ", " + p
	}
	return out + " and " + patterns[len(patterns)-1]
}

// staleAfter bounds how long a persisted score is served before callers
// should prefer a recomputation.
const staleAfter = 7 * 24 * time.Hour

// Stale reports whether a score computed at computedAt should be refreshed.
func Stale(computedAt *time.Time) bool {
	if computedAt == nil {
		return true
	}
	return globaltime.UTC().Sub(*computedAt) > staleAfter
}
