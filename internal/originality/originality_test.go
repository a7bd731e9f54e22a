package originality

import (
	"testing"
)

func TestScoreFromSimilarity(t *testing.T) {
	t.Parallel()

	if got := ScoreFromSimilarity(0.35); got != 65 {
		t.Fatalf("expected score 65 for avg similarity 0.35, got %d", got)
	}
	if got := ScoreFromSimilarity(0.2); got != 80 {
		t.Fatalf("expected score 80 for avg similarity 0.2, got %d", got)
	}
	if got := ScoreFromSimilarity(0); got != 100 {
		t.Fatalf("expected 100 for zero similarity, got %d", got)
	}
	if got := ScoreFromSimilarity(1); got != 0 {
		t.Fatalf("expected 0 for identical content, got %d", got)
	}
	// Cosine similarity can go slightly negative; the score clamps.
	if got := ScoreFromSimilarity(-0.2); got != 100 {
		t.Fatalf("expected clamp at 100, got %d", got)
	}
	if got := ScoreFromSimilarity(1.4); got != 0 {
		t.Fatalf("expected clamp at 0, got %d", got)
	}
}

func TestLabelBands(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		100: "Ultra Original",
		90:  "Ultra Original",
		89:  "Highly Original",
		70:  "Highly Original",
		69:  "Moderately Original",
		50:  "Moderately Original",
		49:  "Somewhat Common",
		30:  "Somewhat Common",
		29:  "Very Common",
		0:   "Very Common",
	}
	for score, want := range cases {
		if got := Label(score); got != want {
			t.Fatalf("score %d: expected %q, got %q", score, want, got)
		}
	}
}

func TestPercentileRank(t *testing.T) {
	t.Parallel()

	// Four scored users: ranks spread evenly over 0..100.
	if got := PercentileRank(0, 4); got != 0 {
		t.Fatalf("expected 0 for lowest score, got %f", got)
	}
	if got := PercentileRank(1, 4); got != 33.33 {
		t.Fatalf("expected 33.33, got %f", got)
	}
	if got := PercentileRank(2, 4); got != 66.67 {
		t.Fatalf("expected 66.67, got %f", got)
	}
	if got := PercentileRank(3, 4); got != 100 {
		t.Fatalf("expected 100 for highest score, got %f", got)
	}
}

func TestPercentileRankSingleUser(t *testing.T) {
	t.Parallel()

	if got := PercentileRank(0, 1); got != 100 {
		t.Fatalf("expected a population of one to rank at 100, got %f", got)
	}
	if got := PercentileRank(0, 0); got != 100 {
		t.Fatalf("expected an empty population to rank at 100, got %f", got)
	}
}
