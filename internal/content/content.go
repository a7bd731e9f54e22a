package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

// Invalidator receives the ContentChanged notification after any content
// mutation commits. The similarity cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// Service owns content mutations. Every write funnels through
// contentChanged, so cache invalidation lives in exactly one place instead
// of being repeated at each mutation site.
type Service struct {
	pool        *db.Pool
	invalidator Invalidator
	logger      zerolog.Logger
}

// Item is the read view of one content item.
type Item struct {
	ContentID    int64    `json:"content_id"`
	ContentUUID  string   `json:"content_uuid"`
	UserID       int64    `json:"user_id"`
	Body         string   `json:"body"`
	InsightTexts []string `json:"insight_texts"`
}

func NewService(pool *db.Pool, invalidator Invalidator, logger zerolog.Logger) *Service {
	return &Service{
		pool:        pool,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Create inserts a content item and fires ContentChanged for the author.
func (s *Service) Create(ctx context.Context, userID int64, body string, insights []string) (*Item, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("content service is not initialized")
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("content body is empty")
	}

	if insights == nil {
		insights = []string{}
	}
	insightsJSON, err := json.Marshal(insights)
	if err != nil {
		return nil, fmt.Errorf("marshal insight texts: %w", err)
	}

	now := globaltime.UTC()
	const q = `
INSERT INTO pulse.content_items (user_id, body, insight_texts, created_at)
VALUES ($1, $2, $3::jsonb, $4)
RETURNING content_id, content_uuid::text
`
	item := Item{
		UserID:       userID,
		Body:         body,
		InsightTexts: insights,
	}
	if err := s.pool.QueryRow(ctx, q, userID, body, string(insightsJSON), now).Scan(&item.ContentID, &item.ContentUUID); err != nil {
		return nil, fmt.Errorf("insert content item: %w", err)
	}

	s.contentChanged(ctx, userID)
	s.logger.Info().Int64("user_id", userID).Int64("content_id", item.ContentID).Msg("content item created")
	return &item, nil
}

// Delete soft-deletes a content item and fires ContentChanged for its
// author. Deleting an already-deleted or unknown item returns db.ErrNoRows.
func (s *Service) Delete(ctx context.Context, contentID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("content service is not initialized")
	}

	now := globaltime.UTC()
	const q = `
UPDATE pulse.content_items
SET deleted_at = $2
WHERE content_id = $1 AND deleted_at IS NULL
RETURNING user_id
`
	var userID int64
	if err := s.pool.QueryRow(ctx, q, contentID, now).Scan(&userID); err != nil {
		if db.IsNoRows(err) {
			return db.ErrNoRows
		}
		return fmt.Errorf("delete content item content_id=%d: %w", contentID, err)
	}

	s.contentChanged(ctx, userID)
	s.logger.Info().Int64("user_id", userID).Int64("content_id", contentID).Msg("content item deleted")
	return nil
}

// ItemsByUser lists a user's live content items.
func (s *Service) ItemsByUser(ctx context.Context, userID int64) ([]Item, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("content service is not initialized")
	}

	const q = `
SELECT content_id, content_uuid::text, user_id, body, COALESCE(insight_texts::text, '[]')
FROM pulse.content_items
WHERE user_id = $1 AND deleted_at IS NULL
ORDER BY content_id
`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("select content items for user_id=%d: %w", userID, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			item         Item
			insightsText string
		)
		if err := rows.Scan(&item.ContentID, &item.ContentUUID, &item.UserID, &item.Body, &insightsText); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		if err := json.Unmarshal([]byte(insightsText), &item.InsightTexts); err != nil {
			return nil, fmt.Errorf("decode insight texts for content_id=%d: %w", item.ContentID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

// contentChanged is the single notification point for content mutations.
// Invalidation failure is logged, not returned; the cache self-heals on the
// content_count check during the next originality computation.
func (s *Service) contentChanged(ctx context.Context, userID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, userID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("similarity cache invalidation failed")
	}
}
