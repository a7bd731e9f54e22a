package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
)

const (
	DefaultMaxAttempts = 3
	DefaultPriority    = 100
	DefaultBackoffBase = 30 * time.Second
	DefaultClaimGrace  = 5 * time.Minute

	// Backoff exponent cap. A job never waits longer than
	// base * 2^maxBackoffExponent regardless of attempt count.
	maxBackoffExponent = 16
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusRetry      = "retry"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrClaimLost reports that a worker no longer owns the job it is trying to
// finish. This happens when a stalled heartbeat let another worker reclaim
// the row; the reclaiming worker owns the outcome from then on.
var ErrClaimLost = errors.New("job claim lost")

// IsClaimLost reports whether err (possibly wrapped) is a lost claim.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

type Options struct {
	BackoffBase time.Duration
	ClaimGrace  time.Duration
	MaxAttempts int
}

type Service struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

// Job is the in-flight view of a claimed or enqueued row.
type Job struct {
	JobID        int64
	JobUUID      string
	JobType      JobType
	UserID       int64
	Payload      json.RawMessage
	Status       string
	Priority     int
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time
	RunID        *int64
}

type EnqueueParams struct {
	JobType     JobType
	UserID      int64
	Payload     any
	Priority    int
	NotBefore   *time.Time
	RunID       *int64
	MaxAttempts int
}

func NewService(pool *db.Pool, logger zerolog.Logger, opts Options) *Service {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.ClaimGrace <= 0 {
		opts.ClaimGrace = DefaultClaimGrace
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{
		pool:   pool,
		logger: logger,
		opts:   opts,
	}
}

// Enqueue inserts a new pending job. When params.RunID is set, the owning
// batch run's total_jobs is incremented in the same transaction so run
// accounting happens at enqueue time, not completion time.
func (s *Service) Enqueue(ctx context.Context, params EnqueueParams) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("queue service is not initialized")
	}
	if strings.TrimSpace(string(params.JobType)) == "" {
		return 0, fmt.Errorf("job type is required")
	}
	if params.UserID <= 0 {
		return 0, fmt.Errorf("user id must be positive")
	}

	priority := params.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}

	now := globaltime.UTC()
	scheduledFor := now
	if params.NotBefore != nil && params.NotBefore.After(now) {
		scheduledFor = params.NotBefore.UTC()
	}

	payloadJSON, err := marshalPayload(params.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal job payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}

	const insertQuery = `
INSERT INTO pulse.jobs (
	job_type,
	user_id,
	payload,
	status,
	priority,
	attempts,
	max_attempts,
	scheduled_for,
	run_id,
	created_at,
	updated_at
)
VALUES ($1, $2, $3::jsonb, 'pending', $4, 0, $5, $6, $7, $8, $8)
RETURNING job_id
`

	var jobID int64
	if err := tx.QueryRow(
		ctx,
		insertQuery,
		string(params.JobType),
		params.UserID,
		string(payloadJSON),
		priority,
		maxAttempts,
		scheduledFor,
		params.RunID,
		now,
	).Scan(&jobID); err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("insert job: %w", err)
	}

	if params.RunID != nil {
		const countQuery = `
UPDATE pulse.batch_runs
SET total_jobs = total_jobs + 1, updated_at = $2
WHERE run_id = $1
`
		tag, err := tx.Exec(ctx, countQuery, *params.RunID, now)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("count enqueued job against run_id=%d: %w", *params.RunID, err)
		}
		if tag.RowsAffected() != 1 {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("batch run run_id=%d not found", *params.RunID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("commit enqueue tx: %w", err)
	}

	s.logger.Debug().
		Int64("job_id", jobID).
		Str("job_type", string(params.JobType)).
		Int64("user_id", params.UserID).
		Int("priority", priority).
		Msg("job enqueued")

	return jobID, nil
}

// ClaimNext atomically claims one eligible job: pending/retry rows that are
// due, plus processing rows whose heartbeat went stale past the claim grace
// (a crashed worker's job becomes reclaimable). The select-and-mark is a
// single UPDATE over a FOR UPDATE SKIP LOCKED subselect, so two concurrent
// workers can never claim the same row.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*Job, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, fmt.Errorf("queue service is not initialized")
	}

	now := globaltime.UTC()
	staleBefore := now.Add(-s.opts.ClaimGrace)

	const q = `
UPDATE pulse.jobs
SET
	status = 'processing',
	started_at = $1,
	heartbeat_at = $1,
	claimed_by = $2,
	updated_at = $1
WHERE job_id = (
	SELECT job_id
	FROM pulse.jobs
	WHERE (status IN ('pending', 'retry') AND scheduled_for <= $1)
	   OR (status = 'processing' AND heartbeat_at IS NOT NULL AND heartbeat_at < $3)
	ORDER BY priority ASC, scheduled_for ASC, job_id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING
	job_id,
	job_uuid::text,
	job_type,
	user_id,
	COALESCE(payload, '{}'::jsonb)::text,
	status,
	priority,
	attempts,
	max_attempts,
	scheduled_for,
	run_id
`

	var (
		job         Job
		jobType     string
		payloadText string
	)
	err := s.pool.QueryRow(ctx, q, now, workerID, staleBefore).Scan(
		&job.JobID,
		&job.JobUUID,
		&jobType,
		&job.UserID,
		&payloadText,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledFor,
		&job.RunID,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim next job: %w", err)
	}

	job.JobType = JobType(jobType)
	job.Payload = json.RawMessage(payloadText)
	return &job, true, nil
}

// Heartbeat refreshes a processing job's liveness marker so it is not
// reclaimed while still being worked on. Only the claiming worker's
// heartbeats count; a worker that already lost the row to a reclaim must
// not keep the new owner's copy alive.
func (s *Service) Heartbeat(ctx context.Context, jobID int64, workerID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("queue service is not initialized")
	}

	const q = `
UPDATE pulse.jobs
SET heartbeat_at = $2, updated_at = $2
WHERE job_id = $1 AND status = 'processing' AND claimed_by = $3
`
	if _, err := s.pool.Exec(ctx, q, jobID, globaltime.UTC(), workerID); err != nil {
		return fmt.Errorf("heartbeat job_id=%d: %w", jobID, err)
	}
	return nil
}

// Complete marks a processing job terminal-successful. The update is fenced
// on claimed_by: if the row was reclaimed after a stale heartbeat, the update
// matches nothing and ErrClaimLost comes back so the loser does not record an
// outcome over the new owner's.
func (s *Service) Complete(ctx context.Context, jobID int64, workerID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("queue service is not initialized")
	}

	now := globaltime.UTC()
	const q = `
UPDATE pulse.jobs
SET status = 'completed', completed_at = $2, heartbeat_at = NULL, updated_at = $2
WHERE job_id = $1 AND status = 'processing' AND claimed_by = $3
`
	tag, err := s.pool.Exec(ctx, q, jobID, now, workerID)
	if err != nil {
		return fmt.Errorf("complete job_id=%d: %w", jobID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("complete job_id=%d worker=%s: %w", jobID, workerID, ErrClaimLost)
	}
	return nil
}

// Fail increments the attempt counter and either schedules a retry with
// exponential backoff or, once attempts reach max_attempts, parks the job in
// the terminal failed state. Returns whether the job will retry. Like
// Complete, the update is fenced on claimed_by and reports ErrClaimLost when
// another worker reclaimed the row.
func (s *Service) Fail(ctx context.Context, jobID int64, workerID string, jobErr error) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("queue service is not initialized")
	}

	message := "unknown error"
	if jobErr != nil {
		message = jobErr.Error()
	}

	now := globaltime.UTC()
	baseSeconds := s.opts.BackoffBase.Seconds()

	const q = `
UPDATE pulse.jobs
SET
	attempts = attempts + 1,
	status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'retry' END,
	last_error = $2,
	scheduled_for = CASE
		WHEN attempts + 1 >= max_attempts THEN scheduled_for
		ELSE $3 + ($4 * POWER(2, LEAST(attempts + 1, $5))) * INTERVAL '1 second'
	END,
	heartbeat_at = NULL,
	claimed_by = NULL,
	updated_at = $3
WHERE job_id = $1 AND status = 'processing' AND claimed_by = $6
RETURNING status, attempts
`

	var (
		status   string
		attempts int
	)
	if err := s.pool.QueryRow(ctx, q, jobID, message, now, baseSeconds, maxBackoffExponent, workerID).Scan(&status, &attempts); err != nil {
		if db.IsNoRows(err) {
			return false, fmt.Errorf("fail job_id=%d worker=%s: %w", jobID, workerID, ErrClaimLost)
		}
		return false, fmt.Errorf("fail job_id=%d: %w", jobID, err)
	}

	willRetry := status == StatusRetry
	s.logger.Warn().
		Int64("job_id", jobID).
		Int("attempts", attempts).
		Bool("will_retry", willRetry).
		Str("error", message).
		Msg("job failed")

	return willRetry, nil
}

// JobByID loads one job row for the job detail endpoint.
func (s *Service) JobByID(ctx context.Context, jobID int64) (*Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("queue service is not initialized")
	}

	const q = `
SELECT
	job_id,
	job_uuid::text,
	job_type,
	user_id,
	COALESCE(payload, '{}'::jsonb)::text,
	status,
	priority,
	attempts,
	max_attempts,
	scheduled_for,
	run_id
FROM pulse.jobs
WHERE job_id = $1
`

	var (
		job         Job
		jobType     string
		payloadText string
	)
	err := s.pool.QueryRow(ctx, q, jobID).Scan(
		&job.JobID,
		&job.JobUUID,
		&jobType,
		&job.UserID,
		&payloadText,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledFor,
		&job.RunID,
	)
	if err != nil {
		return nil, fmt.Errorf("load job_id=%d: %w", jobID, err)
	}

	job.JobType = JobType(jobType)
	job.Payload = json.RawMessage(payloadText)
	return &job, nil
}

// PendingCount reports how many jobs are currently claimable or waiting on
// a backoff window.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("queue service is not initialized")
	}

	const q = `
SELECT COUNT(*)
FROM pulse.jobs
WHERE status IN ('pending', 'retry', 'processing')
`
	var count int64
	if err := s.pool.QueryRow(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}

// BackoffDelay computes the retry delay after the given (already
// incremented) attempt count: base * 2^attempts, exponent capped.
func BackoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return base * time.Duration(int64(1)<<uint(attempts))
}

// Eligible reports whether a job in the given status with the given due time
// may be claimed at now. Mirrors the claim query's primary predicate.
func Eligible(status string, scheduledFor, now time.Time) bool {
	if status != StatusPending && status != StatusRetry {
		return false
	}
	return !scheduledFor.After(now)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return raw, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
