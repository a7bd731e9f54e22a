package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// JobType discriminates the payload variant a job carries. Dispatch goes
// through an explicit handler registry; there is no string matching at the
// execution site.
type JobType string

const (
	JobTypeContentAnalysis  JobType = "content_analysis"
	JobTypeDNARecalculation JobType = "dna_recalculation"
	JobTypeWeeklyMatches    JobType = "weekly_matches"
)

// KnownJobTypes lists the job types the worker pool can execute.
func KnownJobTypes() []JobType {
	return []JobType{
		JobTypeContentAnalysis,
		JobTypeDNARecalculation,
		JobTypeWeeklyMatches,
	}
}

func IsKnownJobType(t JobType) bool {
	for _, known := range KnownJobTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Usage reports external-API consumption for a single job execution so the
// owning batch run can accumulate cost telemetry.
type Usage struct {
	Tokens    int64
	CostCents int64
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		Tokens:    u.Tokens + other.Tokens,
		CostCents: u.CostCents + other.CostCents,
	}
}

// Handler executes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *Job) (Usage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) (Usage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (Usage, error) {
	return f(ctx, job)
}

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[JobType]Handler),
	}
}

func (r *Registry) Register(jobType JobType, handler Handler) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for %q already registered", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

func (r *Registry) Resolve(jobType JobType) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobType]
	return handler, ok
}

func (r *Registry) Types() []JobType {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ContentAnalysisPayload drives the content originality engine for one user.
type ContentAnalysisPayload struct {
	Force bool `json:"force,omitempty"`
}

// DNARecalculationPayload drives the behavioral uniqueness analyzer.
type DNARecalculationPayload struct {
	DaysActive int `json:"days_active"`
}

// MatchCandidate is one externally supplied candidate with its compatibility
// vector; the ranker orders and persists these.
type MatchCandidate struct {
	MatchUserID          int64              `json:"match_user_id"`
	Score                float64            `json:"score"`
	CompatibilityFactors map[string]float64 `json:"compatibility_factors,omitempty"`
}

// WeeklyMatchesPayload drives the weekly match ranker.
type WeeklyMatchesPayload struct {
	WeekStart  string           `json:"week_start"`
	Candidates []MatchCandidate `json:"candidates"`
}

func DecodeContentAnalysis(job *Job) (ContentAnalysisPayload, error) {
	var payload ContentAnalysisPayload
	if err := decodePayload(job, JobTypeContentAnalysis, &payload); err != nil {
		return ContentAnalysisPayload{}, err
	}
	return payload, nil
}

func DecodeDNARecalculation(job *Job) (DNARecalculationPayload, error) {
	var payload DNARecalculationPayload
	if err := decodePayload(job, JobTypeDNARecalculation, &payload); err != nil {
		return DNARecalculationPayload{}, err
	}
	return payload, nil
}

func DecodeWeeklyMatches(job *Job) (WeeklyMatchesPayload, error) {
	var payload WeeklyMatchesPayload
	if err := decodePayload(job, JobTypeWeeklyMatches, &payload); err != nil {
		return WeeklyMatchesPayload{}, err
	}
	return payload, nil
}

func decodePayload(job *Job, want JobType, dest any) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.JobType != want {
		return fmt.Errorf("job_id=%d is %q, not %q", job.JobID, job.JobType, want)
	}
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload for job_id=%d: %w", want, job.JobID, err)
	}
	return nil
}
