package protocol

import "testing"

func TestNormalizeStepStatus(t *testing.T) {
	cases := map[string]string{
		" Running ": StepStatusItem,
		"item":      StepStatusItem,
		"PAUSED":    StepStatusPaused,
		"done\n":    StepStatusDone,
		"cancelled": StepStatusCancelled,
	}
	for in, want := range cases {
		if got := NormalizeStepStatus(in); got != want {
			t.Fatalf("normalize %q: got %q want %q", in, got, want)
		}
	}
}

func TestStepStatusPredicates(t *testing.T) {
	for _, s := range []string{StepStatusItem, StepStatusRunning, StepStatusPaused, StepStatusCancelled, StepStatusDone} {
		if !IsValidStepStatus(s) {
			t.Fatalf("expected %q to be a valid step status", s)
		}
	}
	if IsValidStepStatus("queued") || IsValidStepStatus("") {
		t.Fatal("valid step status predicate should reject unknown values")
	}
	if !IsTerminalStepStatus(StepStatusDone) || !IsTerminalStepStatus(StepStatusCancelled) {
		t.Fatal("terminal step status predicate should include done and cancelled")
	}
	if IsTerminalStepStatus(StepStatusPaused) || IsTerminalStepStatus(StepStatusRunning) {
		t.Fatal("terminal step status predicate should exclude paused and running")
	}
}

func TestIsValidJobStatus(t *testing.T) {
	if !IsValidJobStatus(" Paused ") || !IsValidJobStatus(JobStatusRunning) || !IsValidJobStatus(JobStatusCancelled) {
		t.Fatal("valid job status predicate should allow running/paused/cancelled")
	}
	if IsValidJobStatus(StepStatusDone) {
		t.Fatal("done is a step outcome, not a stored job status")
	}
}
