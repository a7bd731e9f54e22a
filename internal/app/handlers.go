package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/config"
	"ember.fyi/pulse/internal/content"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/match"
	"ember.fyi/pulse/internal/originality"
	"ember.fyi/pulse/internal/population"
	"ember.fyi/pulse/internal/queue"
	"ember.fyi/pulse/internal/runs"
	"ember.fyi/pulse/internal/uniqueness"
)

// embeddingCostCentsPerMillionTokens prices run telemetry for the default
// embedding model.
const embeddingCostCentsPerMillionTokens = 2

// services bundles the scoring components a worker or server needs.
type services struct {
	queue       *queue.Service
	runs        *runs.Service
	population  *population.Provider
	uniqueness  *uniqueness.Analyzer
	originality *originality.Engine
	content     *content.Service
	match       *match.Ranker
}

func buildServices(pool *db.Pool, cfg *config.Config, logger zerolog.Logger) *services {
	queueSvc := queue.NewService(pool, logger, queue.Options{
		BackoffBase: cfg.BackoffBase,
		ClaimGrace:  cfg.ClaimGrace,
		MaxAttempts: cfg.JobMaxAttempts,
	})
	runsSvc := runs.NewService(pool, logger, runs.DefaultOptions())
	popProvider := population.NewProvider(pool, logger, population.Options{
		MinSnapshots: cfg.MinSnapshots,
	})
	uniquenessAnalyzer := uniqueness.NewAnalyzer(pool, popProvider, logger, uniqueness.Options{
		Scale:          cfg.UniquenessScale,
		ExtremeZCutoff: cfg.ExtremeZCutoff,
	})
	embedClient := originality.NewEmbedClient(originality.EmbedClientOptions{
		Endpoint:       cfg.EmbeddingEndpoint,
		ModelName:      cfg.EmbeddingModelName,
		ModelVersion:   cfg.EmbeddingModelVersion,
		RequestTimeout: cfg.EmbeddingRequestTimeout,
	})
	originalityEngine := originality.NewEngine(pool, embedClient, logger, originality.Options{
		CacheTTL:            cfg.SimilarityCacheTTL,
		SampleSize:          cfg.PopulationSampleSize,
		MinContentItems:     cfg.MinContentItems,
		MinPopulationSample: cfg.MinPopulationSample,
	})
	contentSvc := content.NewService(pool, originalityEngine, logger)
	matchRanker := match.NewRanker(pool, logger)

	return &services{
		queue:       queueSvc,
		runs:        runsSvc,
		population:  popProvider,
		uniqueness:  uniquenessAnalyzer,
		originality: originalityEngine,
		content:     contentSvc,
		match:       matchRanker,
	}
}

// buildRegistry wires one handler per job type.
func buildRegistry(svc *services) (*queue.Registry, error) {
	registry := queue.NewRegistry()

	if err := registry.Register(queue.JobTypeContentAnalysis, queue.HandlerFunc(svc.handleContentAnalysis)); err != nil {
		return nil, err
	}
	if err := registry.Register(queue.JobTypeDNARecalculation, queue.HandlerFunc(svc.handleDNARecalculation)); err != nil {
		return nil, err
	}
	if err := registry.Register(queue.JobTypeWeeklyMatches, queue.HandlerFunc(svc.handleWeeklyMatches)); err != nil {
		return nil, err
	}
	return registry, nil
}

func (s *services) handleContentAnalysis(ctx context.Context, job *queue.Job) (queue.Usage, error) {
	payload, err := queue.DecodeContentAnalysis(job)
	if err != nil {
		return queue.Usage{}, err
	}

	if payload.Force {
		if err := s.originality.Invalidate(ctx, job.UserID); err != nil {
			return queue.Usage{}, err
		}
	}

	_, tokens, err := s.originality.ComputeOriginality(ctx, job.UserID)
	if err != nil {
		return queue.Usage{}, err
	}
	return queue.Usage{
		Tokens:    tokens,
		CostCents: tokens * embeddingCostCentsPerMillionTokens / 1_000_000,
	}, nil
}

func (s *services) handleDNARecalculation(ctx context.Context, job *queue.Job) (queue.Usage, error) {
	payload, err := queue.DecodeDNARecalculation(job)
	if err != nil {
		return queue.Usage{}, err
	}

	if _, err := s.uniqueness.Score(ctx, job.UserID, payload.DaysActive); err != nil {
		return queue.Usage{}, err
	}
	return queue.Usage{}, nil
}

func (s *services) handleWeeklyMatches(ctx context.Context, job *queue.Job) (queue.Usage, error) {
	payload, err := queue.DecodeWeeklyMatches(job)
	if err != nil {
		return queue.Usage{}, err
	}

	weekStart, err := time.Parse("2006-01-02", payload.WeekStart)
	if err != nil {
		return queue.Usage{}, fmt.Errorf("invalid week_start %q: %w", payload.WeekStart, err)
	}

	candidates := make([]match.Candidate, 0, len(payload.Candidates))
	for _, c := range payload.Candidates {
		candidates = append(candidates, match.Candidate{
			MatchUserID:          c.MatchUserID,
			Score:                c.Score,
			CompatibilityFactors: c.CompatibilityFactors,
		})
	}

	if _, err := s.match.RankWeek(ctx, job.UserID, weekStart.UTC(), candidates); err != nil {
		return queue.Usage{}, err
	}
	return queue.Usage{}, nil
}
