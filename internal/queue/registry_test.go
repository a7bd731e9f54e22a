package queue

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handler := HandlerFunc(func(ctx context.Context, job *Job) (Usage, error) {
		return Usage{}, nil
	})

	if err := registry.Register(JobTypeContentAnalysis, handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := registry.Register(JobTypeContentAnalysis, handler); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	if _, ok := registry.Resolve(JobTypeContentAnalysis); !ok {
		t.Fatalf("expected registered handler to resolve")
	}
	if _, ok := registry.Resolve(JobTypeWeeklyMatches); ok {
		t.Fatalf("did not expect unregistered type to resolve")
	}
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if err := registry.Register(JobTypeDNARecalculation, nil); err == nil {
		t.Fatalf("expected nil handler registration to fail")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handler := HandlerFunc(func(ctx context.Context, job *Job) (Usage, error) {
		return Usage{}, nil
	})
	for _, jobType := range []JobType{JobTypeWeeklyMatches, JobTypeContentAnalysis, JobTypeDNARecalculation} {
		if err := registry.Register(jobType, handler); err != nil {
			t.Fatalf("register %s: %v", jobType, err)
		}
	}

	types := registry.Types()
	if len(types) != 3 {
		t.Fatalf("expected 3 registered types, got %d", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("expected sorted types, got %v", types)
		}
	}
}

func TestIsKnownJobType(t *testing.T) {
	t.Parallel()

	for _, jobType := range KnownJobTypes() {
		if !IsKnownJobType(jobType) {
			t.Fatalf("expected %s to be known", jobType)
		}
	}
	if IsKnownJobType(JobType("article_ingest")) {
		t.Fatalf("did not expect foreign job type to be known")
	}
}

func TestDecodePayloadDispatch(t *testing.T) {
	t.Parallel()

	job := &Job{
		JobID:   7,
		JobType: JobTypeDNARecalculation,
		Payload: json.RawMessage(`{"days_active":21}`),
	}

	payload, err := DecodeDNARecalculation(job)
	if err != nil {
		t.Fatalf("decode dna payload: %v", err)
	}
	if payload.DaysActive != 21 {
		t.Fatalf("expected days_active=21, got %d", payload.DaysActive)
	}

	if _, err := DecodeContentAnalysis(job); err == nil {
		t.Fatalf("expected type mismatch to be rejected")
	}
}

func TestDecodeWeeklyMatchesPayload(t *testing.T) {
	t.Parallel()

	job := &Job{
		JobID:   3,
		JobType: JobTypeWeeklyMatches,
		Payload: json.RawMessage(`{
			"week_start": "2026-03-02",
			"candidates": [
				{"match_user_id": 11, "score": 0.82, "compatibility_factors": {"interests": 0.9}},
				{"match_user_id": 12, "score": 0.75}
			]
		}`),
	}

	payload, err := DecodeWeeklyMatches(job)
	if err != nil {
		t.Fatalf("decode weekly matches payload: %v", err)
	}
	if payload.WeekStart != "2026-03-02" {
		t.Fatalf("unexpected week_start: %q", payload.WeekStart)
	}
	if len(payload.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(payload.Candidates))
	}
	if payload.Candidates[0].CompatibilityFactors["interests"] != 0.9 {
		t.Fatalf("unexpected compatibility factors: %v", payload.Candidates[0].CompatibilityFactors)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	t.Parallel()

	job := &Job{JobID: 9, JobType: JobTypeContentAnalysis}
	payload, err := DecodeContentAnalysis(job)
	if err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if payload.Force {
		t.Fatalf("expected zero-value payload for empty body")
	}
}

func TestUsageAdd(t *testing.T) {
	t.Parallel()

	total := Usage{Tokens: 100, CostCents: 2}.Add(Usage{Tokens: 50, CostCents: 1})
	if total.Tokens != 150 || total.CostCents != 3 {
		t.Fatalf("unexpected accumulated usage: %+v", total)
	}
}
