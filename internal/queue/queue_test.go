package queue

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second
	if got := BackoffDelay(base, 0); got != 30*time.Second {
		t.Fatalf("expected 30s for attempt 0, got %s", got)
	}
	if got := BackoffDelay(base, 1); got != 60*time.Second {
		t.Fatalf("expected 60s for attempt 1, got %s", got)
	}
	if got := BackoffDelay(base, 2); got != 120*time.Second {
		t.Fatalf("expected 120s for attempt 2, got %s", got)
	}
	if got := BackoffDelay(base, 5); got != 960*time.Second {
		t.Fatalf("expected 960s for attempt 5, got %s", got)
	}
}

func TestBackoffDelayExponentCap(t *testing.T) {
	t.Parallel()

	base := time.Second
	capped := BackoffDelay(base, maxBackoffExponent)
	if got := BackoffDelay(base, maxBackoffExponent+10); got != capped {
		t.Fatalf("expected delay to stay at cap %s, got %s", capped, got)
	}
	if capped != base*time.Duration(1<<maxBackoffExponent) {
		t.Fatalf("unexpected capped delay: %s", capped)
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	t.Parallel()

	if got := BackoffDelay(0, 0); got != DefaultBackoffBase {
		t.Fatalf("expected default base for non-positive base, got %s", got)
	}
	if got := BackoffDelay(time.Second, -3); got != time.Second {
		t.Fatalf("expected negative attempts to clamp to zero, got %s", got)
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if !Eligible(StatusPending, now.Add(-time.Minute), now) {
		t.Fatalf("expected due pending job to be eligible")
	}
	if !Eligible(StatusRetry, now, now) {
		t.Fatalf("expected retry job due exactly now to be eligible")
	}
	if Eligible(StatusPending, now.Add(time.Minute), now) {
		t.Fatalf("did not expect a future-scheduled job to be eligible")
	}
	if Eligible(StatusProcessing, now.Add(-time.Hour), now) {
		t.Fatalf("did not expect a processing job to be eligible")
	}
	if Eligible(StatusFailed, now.Add(-time.Hour), now) {
		t.Fatalf("did not expect a terminal job to be eligible")
	}
}

func TestMarshalPayload(t *testing.T) {
	t.Parallel()

	raw, err := marshalPayload(nil)
	if err != nil {
		t.Fatalf("marshal nil payload: %v", err)
	}
	if string(raw) != `{}` {
		t.Fatalf("expected empty object for nil payload, got %s", raw)
	}

	raw, err = marshalPayload(DNARecalculationPayload{DaysActive: 12})
	if err != nil {
		t.Fatalf("marshal struct payload: %v", err)
	}
	if string(raw) != `{"days_active":12}` {
		t.Fatalf("unexpected encoded payload: %s", raw)
	}
}
