package originality

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

// NeutralScore is served while a user lacks the content or the population
// lacks the sample to support a real comparison.
const NeutralScore = 50

const (
	DefaultCacheTTL            = 24 * time.Hour
	DefaultSampleSize          = 200
	DefaultMinContentItems     = 3
	DefaultMinPopulationSample = 10
)

type Options struct {
	CacheTTL            time.Duration
	SampleSize          int
	MinContentItems     int
	MinPopulationSample int
}

// Engine scores how semantically distinct a user's content is from the rest
// of the population.
type Engine struct {
	pool   *db.Pool
	embed  *EmbedClient
	logger zerolog.Logger
	opts   Options
}

// Result is one user's originality evaluation.
type Result struct {
	Score                int     `json:"score"`
	Label                string  `json:"label"`
	ContentCount         int     `json:"content_count"`
	PopulationSampleSize int     `json:"population_sample_size"`
	AvgSimilarity        float64 `json:"avg_similarity"`
	MinSimilarity        float64 `json:"min_similarity"`
	MaxSimilarity        float64 `json:"max_similarity"`
	Cached               bool    `json:"cached"`
}

func NewEngine(pool *db.Pool, embed *EmbedClient, logger zerolog.Logger, opts Options) *Engine {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.MinContentItems <= 0 {
		opts.MinContentItems = DefaultMinContentItems
	}
	if opts.MinPopulationSample <= 0 {
		opts.MinPopulationSample = DefaultMinPopulationSample
	}
	return &Engine{
		pool:   pool,
		embed:  embed,
		logger: logger,
		opts:   opts,
	}
}

// EnsureEmbeddings generates vectors for the user's content items that have
// none yet for the configured model. Existing vectors are reused; the
// embedding row is written once per (content, model, version). Returns the
// token count consumed so the owning run can account for it.
func (e *Engine) EnsureEmbeddings(ctx context.Context, userID int64) (int64, error) {
	if e == nil || e.pool == nil || e.embed == nil {
		return 0, fmt.Errorf("originality engine is not initialized")
	}

	const q = `
SELECT ci.content_id, ci.body, COALESCE(ci.insight_texts::text, '[]')
FROM pulse.content_items ci
WHERE ci.user_id = $1
  AND ci.deleted_at IS NULL
  AND NOT EXISTS (
	SELECT 1
	FROM pulse.content_embeddings ce
	WHERE ce.content_id = ci.content_id
	  AND ce.model_name = $2
	  AND ce.model_version = $3
)
ORDER BY ci.content_id
`
	rows, err := e.pool.Query(ctx, q, userID, e.embed.ModelName(), e.embed.ModelVersion())
	if err != nil {
		return 0, fmt.Errorf("select content pending embedding: %w", err)
	}
	defer rows.Close()

	type pendingItem struct {
		contentID int64
		input     string
	}
	var pending []pendingItem
	for rows.Next() {
		var (
			contentID    int64
			body         string
			insightsText string
		)
		if err := rows.Scan(&contentID, &body, &insightsText); err != nil {
			return 0, fmt.Errorf("scan pending content item: %w", err)
		}

		var insights []string
		if err := json.Unmarshal([]byte(insightsText), &insights); err != nil {
			return 0, fmt.Errorf("decode insight texts for content_id=%d: %w", contentID, err)
		}
		pending = append(pending, pendingItem{contentID: contentID, input: EmbeddingInput(body, insights)})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending content items: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, 0, len(pending))
	for _, item := range pending {
		texts = append(texts, item.input)
	}

	vectors, tokens, err := e.embed.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	now := globaltime.UTC()
	for i, item := range pending {
		literal, err := ToVectorLiteral(vectors[i])
		if err != nil {
			return tokens, fmt.Errorf("content_id=%d invalid embedding vector: %w", item.contentID, err)
		}

		const insertQ = `
INSERT INTO pulse.content_embeddings (
	content_id, model_name, model_version, embedding, embedded_at, service_endpoint
)
VALUES ($1, $2, $3, $4::vector, $5, $6)
ON CONFLICT (content_id, model_name, model_version) DO NOTHING
`
		if _, err := e.pool.Exec(ctx, insertQ,
			item.contentID, e.embed.ModelName(), e.embed.ModelVersion(), literal, now, e.embed.Endpoint(),
		); err != nil {
			return tokens, fmt.Errorf("insert embedding content_id=%d: %w", item.contentID, err)
		}
	}

	e.logger.Info().
		Int64("user_id", userID).
		Int("embedded", len(pending)).
		Int64("tokens", tokens).
		Msg("content embeddings generated")
	return tokens, nil
}

// ComputeOriginality returns the user's originality statistics, serving the
// cache when it is still valid for the user's current content count and
// recomputing otherwise. Recomputation embeds missing content first, so a
// single call brings a user fully up to date.
func (e *Engine) ComputeOriginality(ctx context.Context, userID int64) (*Result, int64, error) {
	if e == nil || e.pool == nil {
		return nil, 0, fmt.Errorf("originality engine is not initialized")
	}

	contentCount, err := e.contentCount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	if cached, err := e.cachedResult(ctx, userID, contentCount); err != nil {
		return nil, 0, err
	} else if cached != nil {
		return cached, 0, nil
	}

	tokens, err := e.EnsureEmbeddings(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	sampleSize, err := e.populationSampleSize(ctx, userID)
	if err != nil {
		return nil, tokens, err
	}

	if contentCount < e.opts.MinContentItems || sampleSize < e.opts.MinPopulationSample {
		result := &Result{
			Score:                NeutralScore,
			Label:                Label(NeutralScore),
			ContentCount:         contentCount,
			PopulationSampleSize: sampleSize,
		}
		if err := e.storeCache(ctx, userID, result); err != nil {
			return nil, tokens, err
		}
		return result, tokens, nil
	}

	stats, err := e.similarityStats(ctx, userID)
	if err != nil {
		return nil, tokens, err
	}

	result := &Result{
		Score:                ScoreFromSimilarity(stats.avg),
		ContentCount:         contentCount,
		PopulationSampleSize: sampleSize,
		AvgSimilarity:        stats.avg,
		MinSimilarity:        stats.min,
		MaxSimilarity:        stats.max,
	}
	result.Label = Label(result.Score)

	if err := e.storeCache(ctx, userID, result); err != nil {
		return nil, tokens, err
	}

	e.logger.Info().
		Int64("user_id", userID).
		Int("score", result.Score).
		Float64("avg_similarity", stats.avg).
		Int("population_sample", sampleSize).
		Msg("originality score computed")
	return result, tokens, nil
}

// Cached returns the user's cache entry regardless of validity, for the read
// API. Returns db.ErrNoRows when the user was never scored.
func (e *Engine) Cached(ctx context.Context, userID int64) (*Result, error) {
	if e == nil || e.pool == nil {
		return nil, fmt.Errorf("originality engine is not initialized")
	}

	const q = `
SELECT originality_score, avg_similarity, min_similarity, max_similarity,
	content_count, population_sample_size
FROM pulse.similarity_cache
WHERE user_id = $1
`
	result := Result{Cached: true}
	if err := e.pool.QueryRow(ctx, q, userID).Scan(
		&result.Score,
		&result.AvgSimilarity,
		&result.MinSimilarity,
		&result.MaxSimilarity,
		&result.ContentCount,
		&result.PopulationSampleSize,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, db.ErrNoRows
		}
		return nil, fmt.Errorf("load cached originality for user_id=%d: %w", userID, err)
	}
	result.Label = Label(result.Score)
	return &result, nil
}

// Invalidate expires the user's cache entry immediately. The next
// ComputeOriginality call recomputes. A user without an entry is a no-op.
func (e *Engine) Invalidate(ctx context.Context, userID int64) error {
	if e == nil || e.pool == nil {
		return fmt.Errorf("originality engine is not initialized")
	}

	now := globaltime.UTC()
	const q = `
UPDATE pulse.similarity_cache
SET valid_until = $2, updated_at = $2
WHERE user_id = $1
`
	if _, err := e.pool.Exec(ctx, q, userID, now); err != nil {
		return fmt.Errorf("invalidate similarity cache for user_id=%d: %w", userID, err)
	}
	return nil
}

// Percentile ranks the user's cached score against all cached scores.
// Returns db.ErrNoRows when the user has no cached score.
func (e *Engine) Percentile(ctx context.Context, userID int64) (float64, error) {
	if e == nil || e.pool == nil {
		return 0, fmt.Errorf("originality engine is not initialized")
	}

	const q = `
SELECT
	(SELECT originality_score FROM pulse.similarity_cache WHERE user_id = $1),
	COUNT(*)::INT,
	COUNT(*) FILTER (
		WHERE originality_score < (SELECT originality_score FROM pulse.similarity_cache WHERE user_id = $1)
	)::INT
FROM pulse.similarity_cache
`
	var (
		score *int
		total int
		below int
	)
	if err := e.pool.QueryRow(ctx, q, userID).Scan(&score, &total, &below); err != nil {
		return 0, fmt.Errorf("rank originality for user_id=%d: %w", userID, err)
	}
	if score == nil {
		return 0, db.ErrNoRows
	}
	return PercentileRank(below, total), nil
}

type similarityStatsRow struct {
	avg float64
	min float64
	max float64
}

// similarityStats compares the user's vectors against a random sample of
// other users' vectors. Similarity is 1 minus the pgvector cosine distance.
func (e *Engine) similarityStats(ctx context.Context, userID int64) (similarityStatsRow, error) {
	const q = `
WITH mine AS (
	SELECT ce.embedding
	FROM pulse.content_embeddings ce
	JOIN pulse.content_items ci ON ci.content_id = ce.content_id
	WHERE ci.user_id = $1
	  AND ci.deleted_at IS NULL
	  AND ce.model_name = $2
	  AND ce.model_version = $3
),
sample AS (
	SELECT ce.embedding
	FROM pulse.content_embeddings ce
	JOIN pulse.content_items ci ON ci.content_id = ce.content_id
	WHERE ci.user_id <> $1
	  AND ci.deleted_at IS NULL
	  AND ce.model_name = $2
	  AND ce.model_version = $3
	ORDER BY random()
	LIMIT $4
)
SELECT
	AVG(1 - (mine.embedding <=> sample.embedding)),
	MIN(1 - (mine.embedding <=> sample.embedding)),
	MAX(1 - (mine.embedding <=> sample.embedding))
FROM mine, sample
`
	var stats similarityStatsRow
	if err := e.pool.QueryRow(ctx, q,
		userID, e.embed.ModelName(), e.embed.ModelVersion(), e.opts.SampleSize,
	).Scan(&stats.avg, &stats.min, &stats.max); err != nil {
		return similarityStatsRow{}, fmt.Errorf("compute similarity stats for user_id=%d: %w", userID, err)
	}
	return stats, nil
}

func (e *Engine) contentCount(ctx context.Context, userID int64) (int, error) {
	const q = `
SELECT COUNT(*)::INT
FROM pulse.content_items
WHERE user_id = $1 AND deleted_at IS NULL
`
	var count int
	if err := e.pool.QueryRow(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count content for user_id=%d: %w", userID, err)
	}
	return count, nil
}

// populationSampleSize counts distinct other users with at least one
// embedded content item under the configured model.
func (e *Engine) populationSampleSize(ctx context.Context, userID int64) (int, error) {
	const q = `
SELECT COUNT(DISTINCT ci.user_id)::INT
FROM pulse.content_embeddings ce
JOIN pulse.content_items ci ON ci.content_id = ce.content_id
WHERE ci.user_id <> $1
  AND ci.deleted_at IS NULL
  AND ce.model_name = $2
  AND ce.model_version = $3
`
	var count int
	if err := e.pool.QueryRow(ctx, q, userID, e.embed.ModelName(), e.embed.ModelVersion()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count population sample for user_id=%d: %w", userID, err)
	}
	return count, nil
}

// cachedResult returns the cache entry when it is still valid and the user's
// content count has not moved since it was computed. Any content mutation
// either bumps the count or, through Invalidate, expires the window.
func (e *Engine) cachedResult(ctx context.Context, userID int64, contentCount int) (*Result, error) {
	const q = `
SELECT originality_score, avg_similarity, min_similarity, max_similarity,
	content_count, population_sample_size
FROM pulse.similarity_cache
WHERE user_id = $1 AND valid_until > $2 AND content_count = $3
`
	result := Result{Cached: true}
	err := e.pool.QueryRow(ctx, q, userID, globaltime.UTC(), contentCount).Scan(
		&result.Score,
		&result.AvgSimilarity,
		&result.MinSimilarity,
		&result.MaxSimilarity,
		&result.ContentCount,
		&result.PopulationSampleSize,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("check similarity cache for user_id=%d: %w", userID, err)
	}
	result.Label = Label(result.Score)
	return &result, nil
}

func (e *Engine) storeCache(ctx context.Context, userID int64, result *Result) error {
	now := globaltime.UTC()
	const q = `
INSERT INTO pulse.similarity_cache (
	user_id, originality_score, avg_similarity, min_similarity, max_similarity,
	content_count, population_sample_size, valid_until, computed_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (user_id) DO UPDATE
SET originality_score = EXCLUDED.originality_score,
	avg_similarity = EXCLUDED.avg_similarity,
	min_similarity = EXCLUDED.min_similarity,
	max_similarity = EXCLUDED.max_similarity,
	content_count = EXCLUDED.content_count,
	population_sample_size = EXCLUDED.population_sample_size,
	valid_until = EXCLUDED.valid_until,
	computed_at = EXCLUDED.computed_at,
	updated_at = EXCLUDED.updated_at
`
	if _, err := e.pool.Exec(ctx, q,
		userID,
		result.Score,
		result.AvgSimilarity,
		result.MinSimilarity,
		result.MaxSimilarity,
		result.ContentCount,
		result.PopulationSampleSize,
		now.Add(e.opts.CacheTTL),
		now,
	); err != nil {
		return fmt.Errorf("store similarity cache for user_id=%d: %w", userID, err)
	}
	return nil
}

// ScoreFromSimilarity maps average cosine similarity to the 0-100 score:
// round((1 - avg) * 100), clamped to [0, 100]. Lower similarity to the
// population means a higher score.
func ScoreFromSimilarity(avgSimilarity float64) int {
	score := math.Round((1 - avgSimilarity) * 100)
	return int(math.Min(100, math.Max(0, score)))
}

// Label maps a score to its display band.
func Label(score int) string {
	switch {
	case score >= 90:
		return "Ultra Original"
	case score >= 70:
		return "Highly Original"
	case score >= 50:
		return "Moderately Original"
	case score >= 30:
		return "Somewhat Common"
	default:
		return "Very Common"
	}
}

// PercentileRank converts a strictly-below count into a percentile over a
// population of total scored users, rounded to two decimals. A population of
// one ranks at 100.
func PercentileRank(below, total int) float64 {
	if total <= 1 {
		return 100
	}
	pct := float64(below) / float64(total-1) * 100
	return math.Round(pct*100) / 100
}
