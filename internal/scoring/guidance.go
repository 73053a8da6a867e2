package scoring

import "github.com/hochfrequenz/claude-task-queue/internal/domain"

const (
	MinRetryConfidence = 0.1
	BaseDelaySeconds   = 5
	MaxDelaySeconds    = 300
	defaultMaxRetries  = 3
)

var maxRetries = map[domain.FailureType]int{
	domain.FailureTimeout:         2,
	domain.FailureResourceError:   3,
	domain.FailureValidationError: 1,
	domain.FailureSyntaxError:     0,
}

var suggestedActions = map[domain.FailureType][]string{
	domain.FailureSyntaxError: {
		"Review code syntax",
		"Check for typos or missing semicolons",
	},
	domain.FailureLogicError: {
		"Review business logic",
		"Check input validation",
	},
	domain.FailureTimeout: {
		"Increase timeout limit",
		"Optimize query performance",
		"Check for deadlocks",
	},
	domain.FailureResourceError: {
		"Check system resources (CPU, memory, disk)",
		"Verify external dependencies are available",
	},
	domain.FailureValidationError: {
		"Review input data format",
		"Check validation rules",
	},
	domain.FailureAssertionFailure: {
		"Review test assertions",
		"Verify expected vs actual output",
	},
	domain.FailureUnknown: {
		"Review error logs",
		"Check system status",
	},
}

// GenerateGuidance returns retry guidance for a failed run and nil for a
// successful one.
func GenerateGuidance(run *domain.ScoringRun, history []domain.ScoredRun, confidence float64) *domain.RetryGuidance {
	if run.Success {
		return nil
	}
	return &domain.RetryGuidance{
		ShouldRetry:           confidence > MinRetryConfidence,
		SuggestedDelaySeconds: BackoffDelay(PriorFailures(history)),
		MaxRetryAttempts:      MaxRetryAttempts(run.FailureType),
		SuggestedActions:      SuggestedActions(run.FailureType),
	}
}

// PriorFailures counts every failed run in the history.
func PriorFailures(history []domain.ScoredRun) int {
	n := 0
	for _, h := range history {
		if !h.Run.Success {
			n++
		}
	}
	return n
}

// BackoffDelay is min(5 * 2^failures, 300) seconds.
func BackoffDelay(failures int) int {
	delay := BaseDelaySeconds
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= MaxDelaySeconds {
			return MaxDelaySeconds
		}
	}
	return delay
}

// MaxRetryAttempts looks up the retry budget for a failure category.
func MaxRetryAttempts(f domain.FailureType) int {
	if n, ok := maxRetries[f]; ok {
		return n
	}
	return defaultMaxRetries
}

// SuggestedActions returns a copy of the remediation checklist for a failure category.
func SuggestedActions(f domain.FailureType) []string {
	actions, ok := suggestedActions[f]
	if !ok {
		actions = suggestedActions[domain.FailureUnknown]
	}
	return append([]string(nil), actions...)
}
