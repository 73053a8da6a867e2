// Package scoring turns the run history of a task lineage into a
// confidence score, an escalation recommendation and retry guidance.
//
// A lineage is identified by task name. History slices are always ordered
// newest first and never include the run being scored.
package scoring

import (
	"math"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
)

const (
	InitialConfidence        = 0.5
	FailureDecayRate         = 0.8
	SuccessGainBase          = 0.1
	SuccessDiminishingFactor = 0.9
)

// ConfidenceResult is the outcome of scoring one run
type ConfidenceResult struct {
	Confidence float64
	Delta      float64
	Previous   float64
}

// ComputeConfidence scores a run against the prior history of its lineage.
func ComputeConfidence(history []domain.ScoredRun, success bool) ConfidenceResult {
	previous := PreviousConfidence(history)

	var next float64
	if success {
		next = previous + successGain(ConsecutiveSuccesses(history))
	} else {
		next = previous * FailureDecayRate
	}
	next = clamp(next)

	return ConfidenceResult{
		Confidence: Round4(next),
		Delta:      Round4(next - previous),
		Previous:   Round4(previous),
	}
}

// PreviousConfidence is the latest evaluation of the newest prior run, or
// the neutral prior when there is none.
func PreviousConfidence(history []domain.ScoredRun) float64 {
	if len(history) == 0 || history[0].Evaluation == nil {
		return InitialConfidence
	}
	return history[0].Evaluation.Confidence
}

// ConsecutiveSuccesses counts successes from the newest run until the first failure.
func ConsecutiveSuccesses(history []domain.ScoredRun) int {
	n := 0
	for _, h := range history {
		if !h.Run.Success {
			break
		}
		n++
	}
	return n
}

func successGain(streak int) float64 {
	return SuccessGainBase * math.Pow(SuccessDiminishingFactor, float64(streak))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Round4 rounds to the four decimal digits confidence is stored with.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
