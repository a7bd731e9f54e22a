package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

// Candidate is one externally supplied match candidate with its
// compatibility vector.
type Candidate struct {
	MatchUserID          int64              `json:"match_user_id"`
	Score                float64            `json:"score"`
	CompatibilityFactors map[string]float64 `json:"compatibility_factors,omitempty"`
}

// RankedMatch is one row of a user's weekly match list.
type RankedMatch struct {
	MatchUserID          int64              `json:"match_user_id"`
	Score                float64            `json:"score"`
	Rank                 int                `json:"rank"`
	CompatibilityFactors map[string]float64 `json:"compatibility_factors,omitempty"`
}

// Ranker turns candidate lists into persisted weekly match rankings.
type Ranker struct {
	pool   *db.Pool
	logger zerolog.Logger
}

func NewRanker(pool *db.Pool, logger zerolog.Logger) *Ranker {
	return &Ranker{
		pool:   pool,
		logger: logger,
	}
}

// RankWeek ranks candidates for one user and week and replaces that week's
// persisted rows. The replace runs in one transaction so readers never see a
// half-written week, and reruns with the same input are idempotent under the
// unique (user_id, match_user_id, week_start) constraint.
func (r *Ranker) RankWeek(ctx context.Context, userID int64, weekStart time.Time, candidates []Candidate) ([]RankedMatch, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("match ranker is not initialized")
	}

	ranked := RankCandidates(candidates)
	week := weekStart.UTC().Truncate(24 * time.Hour)
	now := globaltime.UTC()

	tx, err := r.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin rank transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const deleteQ = `
DELETE FROM pulse.weekly_matches
WHERE user_id = $1 AND week_start = $2
`
	if _, err := tx.Exec(ctx, deleteQ, userID, week); err != nil {
		return nil, fmt.Errorf("clear weekly matches user_id=%d week=%s: %w", userID, week.Format("2006-01-02"), err)
	}

	for _, m := range ranked {
		factorsJSON, err := marshalFactors(m.CompatibilityFactors)
		if err != nil {
			return nil, err
		}

		const insertQ = `
INSERT INTO pulse.weekly_matches (
	user_id, match_user_id, week_start, score, rank, compatibility_factors, created_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
`
		if _, err := tx.Exec(ctx, insertQ, userID, m.MatchUserID, week, m.Score, m.Rank, factorsJSON, now); err != nil {
			return nil, fmt.Errorf("insert weekly match user_id=%d match_user_id=%d: %w", userID, m.MatchUserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit weekly matches user_id=%d: %w", userID, err)
	}

	r.logger.Info().
		Int64("user_id", userID).
		Str("week_start", week.Format("2006-01-02")).
		Int("matches", len(ranked)).
		Msg("weekly matches ranked")
	return ranked, nil
}

// WeeklyMatches reads one user's persisted ranking for a week, rank
// ascending.
func (r *Ranker) WeeklyMatches(ctx context.Context, userID int64, weekStart time.Time) ([]RankedMatch, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("match ranker is not initialized")
	}

	week := weekStart.UTC().Truncate(24 * time.Hour)
	const q = `
SELECT match_user_id, score, rank, COALESCE(compatibility_factors::text, '{}')
FROM pulse.weekly_matches
WHERE user_id = $1 AND week_start = $2
ORDER BY rank, match_user_id
`
	rows, err := r.pool.Query(ctx, q, userID, week)
	if err != nil {
		return nil, fmt.Errorf("select weekly matches user_id=%d: %w", userID, err)
	}
	defer rows.Close()

	matches := []RankedMatch{}
	for rows.Next() {
		var (
			m           RankedMatch
			factorsText string
		)
		if err := rows.Scan(&m.MatchUserID, &m.Score, &m.Rank, &factorsText); err != nil {
			return nil, fmt.Errorf("scan weekly match: %w", err)
		}
		if err := json.Unmarshal([]byte(factorsText), &m.CompatibilityFactors); err != nil {
			return nil, fmt.Errorf("decode compatibility factors: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weekly matches: %w", err)
	}
	return matches, nil
}

// RankCandidates deduplicates and ranks a candidate list 1..N. Duplicate
// match user ids keep their best score. Ordering is score descending with
// match_user_id ascending as the tie break, so reruns over the same input
// produce identical output and every row gets a distinct rank with no gaps.
func RankCandidates(candidates []Candidate) []RankedMatch {
	best := make(map[int64]Candidate, len(candidates))
	for _, c := range candidates {
		current, seen := best[c.MatchUserID]
		if !seen || c.Score > current.Score {
			best[c.MatchUserID] = c
		}
	}

	deduped := make([]Candidate, 0, len(best))
	for _, c := range best {
		deduped = append(deduped, c)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Score != deduped[j].Score {
			return deduped[i].Score > deduped[j].Score
		}
		return deduped[i].MatchUserID < deduped[j].MatchUserID
	})

	ranked := make([]RankedMatch, 0, len(deduped))
	for i, c := range deduped {
		ranked = append(ranked, RankedMatch{
			MatchUserID:          c.MatchUserID,
			Score:                c.Score,
			Rank:                 i + 1,
			CompatibilityFactors: c.CompatibilityFactors,
		})
	}
	return ranked
}

func marshalFactors(factors map[string]float64) (string, error) {
	if factors == nil {
		factors = map[string]float64{}
	}
	encoded, err := json.Marshal(factors)
	if err != nil {
		return "", fmt.Errorf("marshal compatibility factors: %w", err)
	}
	return string(encoded), nil
}
