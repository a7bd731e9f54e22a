package population

import (
	"testing"
)

func TestResolveBelowSnapshotFloor(t *testing.T) {
	t.Parallel()

	computed := map[string]MetricStat{
		"messages_per_day": {Mean: 99, StdDev: 1, SampleSize: 4},
	}

	stats := Resolve(computed, 4, 10)
	if stats.SampleSize != 4 {
		t.Fatalf("expected sample size 4, got %d", stats.SampleSize)
	}
	if got := stats.Metrics["messages_per_day"]; got.Mean != 14 {
		t.Fatalf("expected defaults below floor, got mean %f", got.Mean)
	}
}

func TestResolveComputedOverridesPerMetric(t *testing.T) {
	t.Parallel()

	computed := map[string]MetricStat{
		"messages_per_day": {Mean: 20, StdDev: 6, SampleSize: 50},
	}

	stats := Resolve(computed, 50, 10)
	if got := stats.Metrics["messages_per_day"]; got.Mean != 20 || got.StdDev != 6 {
		t.Fatalf("expected computed stat to win above floor, got %+v", got)
	}
	// Metrics absent from the computed table keep their defaults.
	if got := stats.Metrics["emoji_ratio"]; got.Mean != 0.18 {
		t.Fatalf("expected default for uncomputed metric, got %+v", got)
	}
}

func TestDefaultStatsReturnsCopy(t *testing.T) {
	t.Parallel()

	first := DefaultStats()
	first.Metrics["messages_per_day"] = MetricStat{Mean: -1}

	second := DefaultStats()
	if second.Metrics["messages_per_day"].Mean != 14 {
		t.Fatalf("expected defaults to be isolated from caller mutation")
	}
}
