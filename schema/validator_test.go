package payloadschema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateJobRequest_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": 42,
		"job_type": "content_analysis",
		"payload": {"force": true},
		"priority": 250,
		"not_before": "2026-03-02T08:00:00Z",
		"max_attempts": 5
	}`)

	request, err := ValidateJobRequest(payload)
	if err != nil {
		t.Fatalf("expected request to be valid, got error: %v", err)
	}

	if request.UserID != 42 {
		t.Fatalf("expected user_id=42, got %d", request.UserID)
	}
	if request.JobType != "content_analysis" {
		t.Fatalf("expected job_type=content_analysis, got %q", request.JobType)
	}
	if request.Priority == nil || *request.Priority != 250 {
		t.Fatalf("expected priority=250, got %v", request.Priority)
	}

	notBefore, err := request.NotBeforeTime()
	if err != nil {
		t.Fatalf("parse not_before: %v", err)
	}
	if notBefore.IsZero() {
		t.Fatalf("expected non-zero not_before")
	}
}

func TestValidateJobRequest_MissingRequired(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for missing job_type")
	}
}

func TestValidateJobRequest_UnknownJobType(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42, "job_type": "profile_refresh"}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for unknown job_type")
	}
}

func TestValidateJobRequest_UnknownTopLevelKey(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42, "job_type": "content_analysis", "urgency": "high"}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for unknown top-level key")
	}
}

func TestValidateJobRequest_PriorityOutOfRange(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42, "job_type": "content_analysis", "priority": 2000}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for out-of-range priority")
	}
}

func TestValidateJobRequest_NonPositiveUserID(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 0, "job_type": "content_analysis"}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for user_id=0")
	}
}

func TestValidateJobRequest_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42, "job_type": "content_analysis"} {"extra": true}`)

	_, err := ValidateJobRequest(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for trailing content")
	}
	if !strings.Contains(err.Error(), "trailing content") {
		t.Fatalf("expected trailing content error, got: %v", err)
	}
}

func TestValidateJobRequest_WeeklyMatchesRequiresPayload(t *testing.T) {
	payload := json.RawMessage(`{"user_id": 42, "job_type": "weekly_matches"}`)

	_, err := ValidateJobRequest(payload)
	if err == nil {
		t.Fatalf("expected validation to fail without a weekly_matches payload")
	}
}

func TestValidateJobRequest_WeeklyMatchesValid(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": 42,
		"job_type": "weekly_matches",
		"payload": {
			"week_start": "2026-03-02",
			"candidates": [
				{"match_user_id": 7, "score": 0.81},
				{"match_user_id": 9, "score": 0.64}
			]
		}
	}`)

	if _, err := ValidateJobRequest(payload); err != nil {
		t.Fatalf("expected weekly_matches request to be valid, got error: %v", err)
	}
}

func TestValidateJobRequest_WeeklyMatchesBadWeekStart(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": 42,
		"job_type": "weekly_matches",
		"payload": {"week_start": "March 2nd", "candidates": []}
	}`)

	_, err := ValidateJobRequest(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for malformed week_start")
	}
	if !strings.Contains(err.Error(), "week_start") {
		t.Fatalf("expected week_start error, got: %v", err)
	}
}

func TestValidateJobRequest_WeeklyMatchesCandidateMissingScore(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": 42,
		"job_type": "weekly_matches",
		"payload": {
			"week_start": "2026-03-02",
			"candidates": [{"match_user_id": 7}]
		}
	}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for candidate without score")
	}
}

func TestValidateJobRequest_BadNotBefore(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": 42,
		"job_type": "content_analysis",
		"not_before": "not-a-timestamp"
	}`)

	if _, err := ValidateJobRequest(payload); err == nil {
		t.Fatalf("expected validation to fail for invalid not_before")
	}
}

func TestNotBeforeTime_Absent(t *testing.T) {
	request := &JobRequest{UserID: 1, JobType: "content_analysis"}
	ts, err := request.NotBeforeTime()
	if err != nil {
		t.Fatalf("parse absent not_before: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("expected zero time for absent not_before, got %s", ts)
	}
}
