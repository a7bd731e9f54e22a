package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
)

func TestIsClaimLost(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("complete job_id=7 worker=worker-2: %w", ErrClaimLost)
	if !IsClaimLost(wrapped) {
		t.Fatalf("expected wrapped claim-lost error to be detected")
	}
	if IsClaimLost(errors.New("connection refused")) {
		t.Fatalf("did not expect an unrelated error to read as claim lost")
	}
	if IsClaimLost(nil) {
		t.Fatalf("did not expect nil to read as claim lost")
	}
}

func TestFailReportsClaimLost(t *testing.T) {
	t.Parallel()

	// An uninitialized pool scans no row, which is exactly what the fenced
	// update returns once another worker holds the claim.
	svc := NewService(&db.Pool{}, zerolog.Nop(), Options{})

	willRetry, err := svc.Fail(context.Background(), 42, "worker-1", errors.New("handler blew up"))
	if willRetry {
		t.Fatalf("did not expect a retry after a lost claim")
	}
	if !IsClaimLost(err) {
		t.Fatalf("expected claim-lost error, got %v", err)
	}
}

func TestRecordFailureContainsLostClaim(t *testing.T) {
	t.Parallel()

	svc := NewService(&db.Pool{}, zerolog.Nop(), Options{})
	pool := NewPool(svc, nil, NewRegistry(), zerolog.Nop(), PoolOptions{})

	job := &Job{JobID: 42, JobType: JobTypeContentAnalysis, UserID: 1}
	err := pool.recordFailure(context.Background(), zerolog.Nop(), "worker-1", job, errors.New("handler blew up"))
	if err != nil {
		t.Fatalf("expected a lost claim to be contained, got %v", err)
	}
}
