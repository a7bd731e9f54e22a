package httpapi

import (
	"testing"
	"time"
)

func TestCurrentWeekStart(t *testing.T) {
	t.Parallel()

	// A Wednesday maps back to its Monday.
	wednesday := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)
	if got := CurrentWeekStart(wednesday); !got.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected week start for Wednesday: %s", got)
	}

	// Monday maps to itself at midnight.
	monday := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	if got := CurrentWeekStart(monday); !got.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected week start for Monday: %s", got)
	}

	// Sunday belongs to the preceding Monday's week.
	sunday := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)
	if got := CurrentWeekStart(sunday); !got.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected week start for Sunday: %s", got)
	}
}

func TestParseWeekStart(t *testing.T) {
	t.Parallel()

	week, err := parseWeekStart("2026-03-02")
	if err != nil {
		t.Fatalf("parse explicit week start: %v", err)
	}
	if !week.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected parsed week start: %s", week)
	}

	if _, err := parseWeekStart("03/02/2026"); err == nil {
		t.Fatalf("expected slash-formatted date to be rejected")
	}

	week, err = parseWeekStart("")
	if err != nil {
		t.Fatalf("parse empty week start: %v", err)
	}
	if week.Weekday() != time.Monday {
		t.Fatalf("expected default week start to be a Monday, got %s", week.Weekday())
	}
}

func TestParseUserID(t *testing.T) {
	t.Parallel()

	userID, err := parseUserID(" 42 ")
	if err != nil {
		t.Fatalf("parse user id: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected 42, got %d", userID)
	}

	for _, raw := range []string{"", "0", "-5", "abc", "4.2"} {
		if _, err := parseUserID(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
