package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ember.fyi/pulse/internal/runs"
)

const (
	DefaultWorkerCount    = 4
	DefaultPollDelay      = 2 * time.Second
	DefaultJobTimeout     = 2 * time.Minute
	DefaultHeartbeatEvery = 30 * time.Second
)

type PoolOptions struct {
	Workers        int
	PollDelay      time.Duration
	JobTimeout     time.Duration
	HeartbeatEvery time.Duration

	// Drain makes workers exit once the queue is empty instead of polling
	// forever. Used by one-shot batch invocations.
	Drain bool
}

// Pool claims and executes jobs with a fixed set of workers. Jobs are scoped
// to independent users, so executions run fully in parallel; the claim query
// is the only serialization point.
type Pool struct {
	queue    *Service
	runs     *runs.Service
	registry *Registry
	logger   zerolog.Logger
	opts     PoolOptions
}

func NewPool(queue *Service, runService *runs.Service, registry *Registry, logger zerolog.Logger, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerCount
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = DefaultHeartbeatEvery
	}
	return &Pool{
		queue:    queue,
		runs:     runService,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Run blocks until the context is cancelled or, in drain mode, until the
// queue is empty. Worker errors from job execution never propagate here;
// only infrastructure failures (claim/complete/fail writes) stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || p.queue == nil || p.registry == nil {
		return fmt.Errorf("worker pool is not initialized")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return p.workerLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	logger := p.logger.With().Str("worker_id", workerID).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, found, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			return fmt.Errorf("%s: %w", workerID, err)
		}
		if !found {
			if p.opts.Drain {
				logger.Debug().Msg("queue drained, worker exiting")
				return nil
			}
			if err := sleepWithJitter(ctx, p.opts.PollDelay); err != nil {
				return err
			}
			continue
		}

		if err := p.executeJob(ctx, logger, workerID, job); err != nil {
			return err
		}
	}
}

// executeJob runs one claimed job and records its outcome. Handler errors
// and panics are contained here and converted into Fail; one user's broken
// job never takes down the worker or the rest of the batch. A claim lost to
// another worker after a stale-heartbeat reclaim is also contained: the new
// owner records the outcome, this worker just moves on.
func (p *Pool) executeJob(ctx context.Context, logger zerolog.Logger, workerID string, job *Job) error {
	jobLogger := logger.With().
		Int64("job_id", job.JobID).
		Str("job_type", string(job.JobType)).
		Int64("user_id", job.UserID).
		Logger()

	handler, ok := p.registry.Resolve(job.JobType)
	if !ok {
		return p.recordFailure(ctx, jobLogger, workerID, job, fmt.Errorf("no handler registered for job type %q", job.JobType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeatLoop(jobCtx, job.JobID, workerID, heartbeatDone)

	usage, err := runHandler(jobCtx, handler, job)
	cancel()
	<-heartbeatDone

	if job.RunID != nil && (usage.Tokens > 0 || usage.CostCents > 0) && p.runs != nil {
		if usageErr := p.runs.RecordUsage(ctx, *job.RunID, usage.Tokens, usage.CostCents); usageErr != nil {
			jobLogger.Error().Err(usageErr).Msg("record run usage failed")
		}
	}

	if err != nil {
		return p.recordFailure(ctx, jobLogger, workerID, job, err)
	}

	if err := p.queue.Complete(ctx, job.JobID, workerID); err != nil {
		if IsClaimLost(err) {
			jobLogger.Warn().Msg("job reclaimed by another worker, skipping completion")
			return nil
		}
		return err
	}
	jobLogger.Info().Msg("job completed")

	if job.RunID != nil && p.runs != nil {
		if err := p.runs.RecordCompleted(ctx, *job.RunID); err != nil {
			jobLogger.Error().Err(err).Msg("record run completion failed")
		}
		if _, err := p.runs.FinishIfComplete(ctx, *job.RunID); err != nil {
			jobLogger.Error().Err(err).Msg("finish run check failed")
		}
	}
	return nil
}

func (p *Pool) recordFailure(ctx context.Context, logger zerolog.Logger, workerID string, job *Job, jobErr error) error {
	willRetry, err := p.queue.Fail(ctx, job.JobID, workerID, jobErr)
	if err != nil {
		if IsClaimLost(err) {
			logger.Warn().Err(jobErr).Msg("job reclaimed by another worker, skipping failure record")
			return nil
		}
		return err
	}

	if job.RunID != nil && p.runs != nil {
		if err := p.runs.RecordFailure(ctx, *job.RunID, job.JobID, jobErr.Error(), willRetry); err != nil {
			logger.Error().Err(err).Msg("record run failure failed")
		}
		if !willRetry {
			if _, err := p.runs.FinishIfComplete(ctx, *job.RunID); err != nil {
				logger.Error().Err(err).Msg("finish run check failed")
			}
		}
	}
	return nil
}

func (p *Pool) heartbeatLoop(ctx context.Context, jobID int64, workerID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(context.WithoutCancel(ctx), jobID, workerID); err != nil {
				p.logger.Warn().Err(err).Int64("job_id", jobID).Msg("heartbeat failed")
			}
		}
	}
}

// runHandler converts a handler panic into an ordinary error at the job
// boundary.
func runHandler(ctx context.Context, handler Handler, job *Job) (usage Usage, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	return handler.Handle(ctx, job)
}

func sleepWithJitter(ctx context.Context, delay time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	timer := time.NewTimer(delay + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
