package uniqueness

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/population"
)

func TestScoreUnderActivityFloor(t *testing.T) {
	t.Parallel()

	analyzer := NewAnalyzer(&db.Pool{}, nil, zerolog.Nop(), Options{})

	// The activity gate runs before any database access.
	result, err := analyzer.Score(context.Background(), 42, MinDaysActive-1)
	if err != nil {
		t.Fatalf("score under activity floor: %v", err)
	}
	if result.Score != 0 {
		t.Fatalf("expected score 0 under the activity floor, got %d", result.Score)
	}
	if !strings.Contains(result.Explanation, "6 of the 7 active days") {
		t.Fatalf("expected shortfall explanation, got %q", result.Explanation)
	}
	if len(result.ZScores) != 0 || len(result.ExtremePatterns) != 0 {
		t.Fatalf("expected no z-scores or patterns without a computation, got %+v", result)
	}
}

func TestScoreWithoutSnapshot(t *testing.T) {
	t.Parallel()

	// An uninitialized pool scans no snapshot row, which is the same path a
	// sufficiently active user without a snapshot takes.
	analyzer := NewAnalyzer(&db.Pool{}, nil, zerolog.Nop(), Options{})

	result, err := analyzer.Score(context.Background(), 42, MinDaysActive)
	if err != nil {
		t.Fatalf("score without snapshot: %v", err)
	}
	if result.Score != FallbackScore {
		t.Fatalf("expected fallback score %d without a snapshot, got %d", FallbackScore, result.Score)
	}
	if result.Explanation == "" {
		t.Fatalf("expected a generic explanation without a snapshot")
	}
}

func TestZScores(t *testing.T) {
	t.Parallel()

	stats := population.Stats{Metrics: map[string]population.MetricStat{
		"messages_per_day": {Mean: 14, StdDev: 9},
		"emoji_ratio":      {Mean: 0.18, StdDev: 0.12},
	}}
	metrics := map[string]float64{
		"messages_per_day": 32,
		"emoji_ratio":      0.06,
		"unknown_metric":   5,
	}

	zScores := ZScores(metrics, stats)
	if len(zScores) != 2 {
		t.Fatalf("expected metrics without population stats to be skipped, got %v", zScores)
	}
	if got := zScores["messages_per_day"]; got != 2 {
		t.Fatalf("expected z=2 for messages_per_day, got %f", got)
	}
	if got := zScores["emoji_ratio"]; got != -1 {
		t.Fatalf("expected z=-1 for emoji_ratio, got %f", got)
	}
}

func TestZScoresDegenerateStdDev(t *testing.T) {
	t.Parallel()

	stats := population.Stats{Metrics: map[string]population.MetricStat{
		"voice_note_ratio": {Mean: 0.5, StdDev: 0},
	}}

	zScores := ZScores(map[string]float64{"voice_note_ratio": 2.5}, stats)
	if got := zScores["voice_note_ratio"]; got != 2 {
		t.Fatalf("expected zero std dev to floor to 1, got z=%f", got)
	}
}

func TestScoreFromZ(t *testing.T) {
	t.Parallel()

	if got := ScoreFromZ(nil, DefaultScale); got != 0 {
		t.Fatalf("expected 0 for empty z-scores, got %d", got)
	}

	// mean |z| = 1.0 at the historical scale.
	score := ScoreFromZ(map[string]float64{"a": 1, "b": -1}, DefaultScale)
	if score != 30 {
		t.Fatalf("expected score 30, got %d", score)
	}

	// mean |z| = 5.0 saturates.
	score = ScoreFromZ(map[string]float64{"a": 5, "b": -5}, DefaultScale)
	if score != 100 {
		t.Fatalf("expected saturation at 100, got %d", score)
	}
}

func TestExtremePatternsDirectionAware(t *testing.T) {
	t.Parallel()

	zScores := map[string]float64{
		"avg_response_seconds": 2.4,
		"emoji_ratio":          -3.1,
		"messages_per_day":     1.2,
	}

	patterns := ExtremePatterns(zScores, DefaultExtremeZCutoff)
	if len(patterns) != 2 {
		t.Fatalf("expected 2 extreme patterns, got %v", patterns)
	}
	// Strongest |z| leads.
	if patterns[0] != "Words-only purist" {
		t.Fatalf("expected low-emoji label first, got %q", patterns[0])
	}
	if patterns[1] != "Thoughtful responder" {
		t.Fatalf("expected high-response-time label second, got %q", patterns[1])
	}
}

func TestExtremePatternsCutoffIsExclusive(t *testing.T) {
	t.Parallel()

	patterns := ExtremePatterns(map[string]float64{"messages_per_day": 2.0}, 2.0)
	if len(patterns) != 0 {
		t.Fatalf("expected |z| equal to cutoff to stay silent, got %v", patterns)
	}
}

func TestExplanation(t *testing.T) {
	t.Parallel()

	withPatterns := Explanation(85, []string{"Essayist", "Instant decider"})
	if !strings.Contains(withPatterns, "Essayist and Instant decider") {
		t.Fatalf("expected joined pattern list, got %q", withPatterns)
	}

	three := Explanation(85, []string{"Essayist", "Instant decider", "Emoji enthusiast"})
	if !strings.Contains(three, "Essayist, Instant decider and Emoji enthusiast") {
		t.Fatalf("expected comma join with trailing and, got %q", three)
	}

	high := Explanation(60, nil)
	low := Explanation(20, nil)
	if high == low {
		t.Fatalf("expected distinct explanations for high and low scores without patterns")
	}
}

func TestStale(t *testing.T) {
	t.Parallel()

	if !Stale(nil) {
		t.Fatalf("expected missing timestamp to be stale")
	}

	recent := time.Now().UTC().Add(-time.Hour)
	if Stale(&recent) {
		t.Fatalf("did not expect hour-old score to be stale")
	}

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if !Stale(&old) {
		t.Fatalf("expected week-old score to be stale")
	}
}

func TestScoreFromZRounding(t *testing.T) {
	t.Parallel()

	// mean |z| = 0.5 scales to 15 exactly; 0.55 rounds to 17.
	if got := ScoreFromZ(map[string]float64{"a": 0.5}, DefaultScale); got != 15 {
		t.Fatalf("expected 15, got %d", got)
	}
	got := ScoreFromZ(map[string]float64{"a": 0.55}, DefaultScale)
	if got != int(math.Round(0.55*30)) {
		t.Fatalf("expected rounded score, got %d", got)
	}
}
