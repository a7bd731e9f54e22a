package runs

import "testing"

func TestValidRunType(t *testing.T) {
	t.Parallel()

	for _, runType := range []string{RunTypeManual, RunTypeScheduledDaily, RunTypeWeeklyFull} {
		if !ValidRunType(runType) {
			t.Fatalf("expected %q to be a valid run type", runType)
		}
	}
	if ValidRunType("nightly") {
		t.Fatalf("did not expect unknown run type to validate")
	}
	if ValidRunType("") {
		t.Fatalf("did not expect empty run type to validate")
	}
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	if got := TerminalStatus(0, true); got != StatusCompleted {
		t.Fatalf("expected clean run to complete, got %q", got)
	}
	if got := TerminalStatus(2, true); got != StatusFailed {
		t.Fatalf("expected run with failures to fail under fail-on-errors, got %q", got)
	}
	if got := TerminalStatus(2, false); got != StatusCompleted {
		t.Fatalf("expected run with failures to complete when policy is off, got %q", got)
	}
}
