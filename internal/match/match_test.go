package match

import (
	"reflect"
	"testing"
)

func TestRankCandidatesUniqueRanks(t *testing.T) {
	t.Parallel()

	ranked := RankCandidates([]Candidate{
		{MatchUserID: 10, Score: 0.9},
		{MatchUserID: 11, Score: 0.7},
		{MatchUserID: 12, Score: 0.9},
		{MatchUserID: 13, Score: 0.5},
	})

	if len(ranked) != 4 {
		t.Fatalf("expected 4 ranked matches, got %d", len(ranked))
	}

	// Every row gets its own rank, tied scores included, so rank stays
	// unique per (user_id, week_start).
	ranks := []int{ranked[0].Rank, ranked[1].Rank, ranked[2].Rank, ranked[3].Rank}
	if !reflect.DeepEqual(ranks, []int{1, 2, 3, 4}) {
		t.Fatalf("unexpected ranks: %v", ranks)
	}

	// Tie broken by match_user_id ascending.
	if ranked[0].MatchUserID != 10 || ranked[1].MatchUserID != 12 {
		t.Fatalf("unexpected tie-break order: %d then %d", ranked[0].MatchUserID, ranked[1].MatchUserID)
	}
}

func TestRankCandidatesDeduplicatesKeepingBest(t *testing.T) {
	t.Parallel()

	ranked := RankCandidates([]Candidate{
		{MatchUserID: 10, Score: 0.4},
		{MatchUserID: 10, Score: 0.8},
		{MatchUserID: 10, Score: 0.6},
	})

	if len(ranked) != 1 {
		t.Fatalf("expected duplicates collapsed to one row, got %d", len(ranked))
	}
	if ranked[0].Score != 0.8 {
		t.Fatalf("expected best score kept, got %f", ranked[0].Score)
	}
}

func TestRankCandidatesDeterministic(t *testing.T) {
	t.Parallel()

	input := []Candidate{
		{MatchUserID: 30, Score: 0.5},
		{MatchUserID: 20, Score: 0.5},
		{MatchUserID: 10, Score: 0.5},
	}

	first := RankCandidates(input)
	second := RankCandidates(input)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical output across reruns")
	}
	if first[0].MatchUserID != 10 || first[1].MatchUserID != 20 || first[2].MatchUserID != 30 {
		t.Fatalf("expected tied scores ordered by match_user_id, got %+v", first)
	}
	if first[0].Rank != 1 || first[1].Rank != 2 || first[2].Rank != 3 {
		t.Fatalf("expected distinct ranks for tied scores, got %+v", first)
	}
}

func TestRankCandidatesEmpty(t *testing.T) {
	t.Parallel()

	if ranked := RankCandidates(nil); len(ranked) != 0 {
		t.Fatalf("expected empty output for empty input, got %v", ranked)
	}
}

func TestMarshalFactors(t *testing.T) {
	t.Parallel()

	encoded, err := marshalFactors(nil)
	if err != nil {
		t.Fatalf("marshal nil factors: %v", err)
	}
	if encoded != "{}" {
		t.Fatalf("expected empty object for nil factors, got %s", encoded)
	}

	encoded, err = marshalFactors(map[string]float64{"interests": 0.9})
	if err != nil {
		t.Fatalf("marshal factors: %v", err)
	}
	if encoded != `{"interests":0.9}` {
		t.Fatalf("unexpected encoded factors: %s", encoded)
	}
}
