package protocol

import "strings"

// Step statuses returned by POST /jobs/step/.
const (
	StepStatusItem      = "item"
	StepStatusRunning   = "running"
	StepStatusPaused    = "paused"
	StepStatusCancelled = "cancelled"
	StepStatusDone      = "done"
)

// Server-side job statuses kept in the session.
const (
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCancelled = "cancelled"
)

// NormalizeStepStatus lower-cases and trims status and folds the legacy
// "running" status into "item": both carry one processed result.
func NormalizeStepStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == StepStatusRunning {
		return StepStatusItem
	}
	return s
}

func NormalizeJobStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsValidStepStatus(status string) bool {
	switch NormalizeStepStatus(status) {
	case StepStatusItem, StepStatusPaused, StepStatusCancelled, StepStatusDone:
		return true
	default:
		return false
	}
}

func IsTerminalStepStatus(status string) bool {
	switch NormalizeStepStatus(status) {
	case StepStatusCancelled, StepStatusDone:
		return true
	default:
		return false
	}
}

func IsValidJobStatus(status string) bool {
	switch NormalizeJobStatus(status) {
	case JobStatusRunning, JobStatusPaused, JobStatusCancelled:
		return true
	default:
		return false
	}
}
