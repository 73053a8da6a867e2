package scoring

import (
	"fmt"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
)

const (
	// EscalationConfidenceThreshold is the confidence below which a human is asked to look.
	EscalationConfidenceThreshold = 0.3
	ConsecutiveFailuresThreshold  = 3
	// FailureStreakWindow caps how many runs (current included) are inspected for a streak.
	FailureStreakWindow = 10
)

var criticalFailures = map[domain.FailureType]bool{
	domain.FailureResourceError: true,
	domain.FailureTimeout:       true,
}

// EscalationDecision is the escalation recommendation for one run
type EscalationDecision struct {
	Escalate bool
	Reasons  []string
}

// ShouldEscalate applies every escalation rule; reasons accumulate.
func ShouldEscalate(run *domain.ScoringRun, history []domain.ScoredRun, confidence float64) EscalationDecision {
	var d EscalationDecision

	if confidence < EscalationConfidenceThreshold {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"Confidence %.4f is below threshold %.2f", confidence, EscalationConfidenceThreshold))
	}

	if n := ConsecutiveFailures(run, history); n >= ConsecutiveFailuresThreshold {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"%d consecutive failures detected (threshold: %d)", n, ConsecutiveFailuresThreshold))
	}

	if IsCriticalFailure(run) {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"Critical failure type detected: %s", run.FailureType))
	}

	d.Escalate = len(d.Reasons) > 0
	return d
}

// ConsecutiveFailures counts the failure streak ending at run, looking at
// no more than FailureStreakWindow runs.
func ConsecutiveFailures(run *domain.ScoringRun, history []domain.ScoredRun) int {
	if run.Success {
		return 0
	}
	n := 1
	for i := 0; i < len(history) && n < FailureStreakWindow; i++ {
		if history[i].Run.Success {
			break
		}
		n++
	}
	return n
}

// IsCriticalFailure reports whether the run failed with a resource error or timeout.
func IsCriticalFailure(run *domain.ScoringRun) bool {
	return !run.Success && criticalFailures[run.FailureType]
}
