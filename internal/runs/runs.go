package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

// Run types.
const (
	RunTypeManual         = "manual"
	RunTypeScheduledDaily = "scheduled_daily"
	RunTypeWeeklyFull     = "weekly_full"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Options struct {
	// FailOnErrors marks a finished run failed when any job ended terminal
	// failed. Deterministic policy, applied in FinishRun.
	FailOnErrors bool
}

type Service struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

// ErrorLogEntry is one appended element of a run's error_log.
type ErrorLogEntry struct {
	JobID     int64     `json:"job_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	WillRetry bool      `json:"will_retry"`
}

// Run is the read view of one batch run row.
type Run struct {
	RunID           int64           `json:"run_id"`
	RunUUID         string          `json:"run_uuid"`
	RunType         string          `json:"run_type"`
	Status          string          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	TotalJobs       int             `json:"total_jobs"`
	CompletedJobs   int             `json:"completed_jobs"`
	FailedJobs      int             `json:"failed_jobs"`
	TokensUsed      int64           `json:"tokens_used"`
	APICostCents    int64           `json:"api_cost_cents"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	ErrorLog        []ErrorLogEntry `json:"error_log"`
}

func NewService(pool *db.Pool, logger zerolog.Logger, opts Options) *Service {
	return &Service{
		pool:   pool,
		logger: logger,
		opts:   opts,
	}
}

func DefaultOptions() Options {
	return Options{FailOnErrors: true}
}

// StartRun opens a new run in status running with zero counters.
func (s *Service) StartRun(ctx context.Context, runType string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("runs service is not initialized")
	}
	if !ValidRunType(runType) {
		return 0, fmt.Errorf("unknown run type %q", runType)
	}

	now := globaltime.UTC()
	const q = `
INSERT INTO pulse.batch_runs (run_type, status, started_at, error_log, created_at, updated_at)
VALUES ($1, 'running', $2, '[]'::jsonb, $2, $2)
RETURNING run_id
`
	var runID int64
	if err := s.pool.QueryRow(ctx, q, runType, now).Scan(&runID); err != nil {
		return 0, fmt.Errorf("insert batch run: %w", err)
	}

	s.logger.Info().Int64("run_id", runID).Str("run_type", runType).Msg("batch run started")
	return runID, nil
}

// RecordCompleted counts one terminal-successful job. Counters move through
// atomic SQL increments; multiple workers update the same row concurrently.
func (s *Service) RecordCompleted(ctx context.Context, runID int64) error {
	const q = `
UPDATE pulse.batch_runs
SET completed_jobs = completed_jobs + 1, updated_at = $2
WHERE run_id = $1
`
	return s.execRunUpdate(ctx, "record completed job", q, runID, globaltime.UTC())
}

// RecordFailure appends an error_log entry for every failure and counts the
// job into failed_jobs only when the failure is terminal (willRetry false).
// A retry moves neither counter.
func (s *Service) RecordFailure(ctx context.Context, runID, jobID int64, errMsg string, willRetry bool) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("runs service is not initialized")
	}

	now := globaltime.UTC()
	entry := ErrorLogEntry{
		JobID:     jobID,
		Error:     errMsg,
		Timestamp: now,
		WillRetry: willRetry,
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error log entry: %w", err)
	}

	failedIncrement := 0
	if !willRetry {
		failedIncrement = 1
	}

	const q = `
UPDATE pulse.batch_runs
SET
	failed_jobs = failed_jobs + $2,
	error_log = error_log || $3::jsonb,
	updated_at = $4
WHERE run_id = $1
`
	return s.execRunUpdate(ctx, "record failure", q, runID, failedIncrement, string(entryJSON), now)
}

// RecordUsage accumulates token and cost telemetry from external API calls.
func (s *Service) RecordUsage(ctx context.Context, runID int64, tokens, costCents int64) error {
	if tokens <= 0 && costCents <= 0 {
		return nil
	}
	const q = `
UPDATE pulse.batch_runs
SET tokens_used = tokens_used + $2, api_cost_cents = api_cost_cents + $3, updated_at = $4
WHERE run_id = $1
`
	return s.execRunUpdate(ctx, "record usage", q, runID, tokens, costCents, globaltime.UTC())
}

// FinishRun closes a run: completed_at, duration, and the terminal status
// per the FailOnErrors policy.
func (s *Service) FinishRun(ctx context.Context, runID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("runs service is not initialized")
	}

	now := globaltime.UTC()
	status := StatusCompleted
	const q = `
UPDATE pulse.batch_runs
SET
	status = CASE WHEN $3 AND failed_jobs > 0 THEN 'failed' ELSE $2 END,
	completed_at = $4,
	duration_seconds = EXTRACT(EPOCH FROM ($4 - started_at)),
	updated_at = $4
WHERE run_id = $1 AND status = 'running'
`
	tag, err := s.pool.Exec(ctx, q, runID, status, s.opts.FailOnErrors, now)
	if err != nil {
		return fmt.Errorf("finish run run_id=%d: %w", runID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("finish run run_id=%d: run is not running", runID)
	}

	s.logger.Info().Int64("run_id", runID).Msg("batch run finished")
	return nil
}

// FinishIfComplete closes the run once every spawned job reached a terminal
// state. Safe to call after each terminal outcome; the guarded UPDATE makes
// the close idempotent under concurrent workers.
func (s *Service) FinishIfComplete(ctx context.Context, runID int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("runs service is not initialized")
	}

	now := globaltime.UTC()
	const q = `
UPDATE pulse.batch_runs
SET
	status = CASE WHEN $2 AND failed_jobs > 0 THEN 'failed' ELSE 'completed' END,
	completed_at = $3,
	duration_seconds = EXTRACT(EPOCH FROM ($3 - started_at)),
	updated_at = $3
WHERE run_id = $1
  AND status = 'running'
  AND total_jobs > 0
  AND completed_jobs + failed_jobs >= total_jobs
`
	tag, err := s.pool.Exec(ctx, q, runID, s.opts.FailOnErrors, now)
	if err != nil {
		return false, fmt.Errorf("finish-if-complete run_id=%d: %w", runID, err)
	}

	finished := tag.RowsAffected() == 1
	if finished {
		s.logger.Info().Int64("run_id", runID).Msg("batch run finished")
	}
	return finished, nil
}

// RunByUUID loads one run including its error log.
func (s *Service) RunByUUID(ctx context.Context, runUUID string) (*Run, error) {
	const q = `
SELECT
	run_id,
	run_uuid::text,
	run_type,
	status,
	started_at,
	completed_at,
	total_jobs,
	completed_jobs,
	failed_jobs,
	tokens_used,
	api_cost_cents,
	duration_seconds,
	error_log::text
FROM pulse.batch_runs
WHERE run_uuid = $1::uuid
`
	return s.scanRun(s.pool.QueryRow(ctx, q, strings.TrimSpace(runUUID)))
}

// RunByID loads one run including its error log.
func (s *Service) RunByID(ctx context.Context, runID int64) (*Run, error) {
	const q = `
SELECT
	run_id,
	run_uuid::text,
	run_type,
	status,
	started_at,
	completed_at,
	total_jobs,
	completed_jobs,
	failed_jobs,
	tokens_used,
	api_cost_cents,
	duration_seconds,
	error_log::text
FROM pulse.batch_runs
WHERE run_id = $1
`
	return s.scanRun(s.pool.QueryRow(ctx, q, runID))
}

func (s *Service) scanRun(row *db.Row) (*Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("runs service is not initialized")
	}

	var (
		run          Run
		errorLogText string
	)
	if err := row.Scan(
		&run.RunID,
		&run.RunUUID,
		&run.RunType,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.TotalJobs,
		&run.CompletedJobs,
		&run.FailedJobs,
		&run.TokensUsed,
		&run.APICostCents,
		&run.DurationSeconds,
		&errorLogText,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, db.ErrNoRows
		}
		return nil, fmt.Errorf("scan batch run: %w", err)
	}

	run.ErrorLog = []ErrorLogEntry{}
	if strings.TrimSpace(errorLogText) != "" {
		if err := json.Unmarshal([]byte(errorLogText), &run.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error log for run_id=%d: %w", run.RunID, err)
		}
	}
	return &run, nil
}

func (s *Service) execRunUpdate(ctx context.Context, label, query string, args ...any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("runs service is not initialized")
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

func ValidRunType(runType string) bool {
	switch runType {
	case RunTypeManual, RunTypeScheduledDaily, RunTypeWeeklyFull:
		return true
	default:
		return false
	}
}

// TerminalStatus resolves the status a finished run gets under the
// FailOnErrors policy. Pure; the SQL in FinishRun mirrors it.
func TerminalStatus(failedJobs int, failOnErrors bool) string {
	if failOnErrors && failedJobs > 0 {
		return StatusFailed
	}
	return StatusCompleted
}
