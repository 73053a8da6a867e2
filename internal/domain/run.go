package domain

import "time"

// Run represents a single execution attempt of a task
type Run struct {
	ID               int64
	UUID             string
	TaskID           int64
	AttemptNumber    int
	ProviderName     string
	ConfidenceWeight float64
	ExecutionStatus  ExecutionStatus
	FilesModified    []string
	DiffSummary      string
	Logs             string
	DurationMs       *int64
	ArtifactsPath    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RunResult carries what a provider reports when a run completes
type RunResult struct {
	ExecutionStatus ExecutionStatus
	FilesModified   []string
	DiffSummary     string
	Logs            string
	DurationMs      *int64
	ArtifactsPath   string
}

// Verdict is a QA judgment on a run
type Verdict struct {
	ID             int64
	UUID           string
	TaskID         int64
	RunID          *int64
	Verdict        VerdictKind
	Confidence     float64
	Reasoning      string
	Observations   []string
	EvidencePaths  []string
	EvaluatedBy    string
	EvaluatorModel string
	CreatedAt      time.Time
}

// IsPassed returns true for a pass verdict
func (v *Verdict) IsPassed() bool {
	return v.Verdict == VerdictPass
}

// AdjustedConfidence scales the verdict confidence by the run's provider weight
func (v *Verdict) AdjustedConfidence(run *Run) float64 {
	weight := 1.0
	if run != nil {
		weight = run.ConfidenceWeight
	}
	return v.Confidence * weight
}

// ScoringRun is one run in a scoring lineage, keyed by task name
type ScoringRun struct {
	ID              int64
	TaskName        string
	Success         bool
	FailureType     FailureType
	ErrorMessage    string
	ExecutionTimeMs *int64
	Metadata        map[string]any
	CreatedAt       time.Time
}

// RetryGuidance is the retry recommendation for a failed run
type RetryGuidance struct {
	ShouldRetry           bool     `json:"should_retry"`
	SuggestedDelaySeconds int      `json:"suggested_delay_seconds"`
	MaxRetryAttempts      int      `json:"max_retry_attempts"`
	SuggestedActions      []string `json:"suggested_actions"`
}

// EvaluationMetadata is the free-form context stored with an evaluation
type EvaluationMetadata struct {
	PreviousConfidence float64   `json:"previous_confidence"`
	EvaluatedAt        time.Time `json:"evaluation_timestamp"`
}

// Evaluation is the recorded output of scoring one run
type Evaluation struct {
	ID               int64
	RunID            int64
	TaskName         string
	Verdict          EvaluationVerdict
	Confidence       float64
	ConfidenceDelta  float64
	RetryGuidance    *RetryGuidance
	ShouldEscalate   bool
	EscalationReason string
	Metadata         EvaluationMetadata
	CreatedAt        time.Time
}

// ScoredRun pairs a lineage run with its most recent evaluation, if any
type ScoredRun struct {
	Run        ScoringRun
	Evaluation *Evaluation
}

// EvaluationFilter narrows an evaluation listing
type EvaluationFilter struct {
	TaskName string
	Limit    int
	Offset   int
}

// ProviderRunCounts aggregates the runs executed by one provider
type ProviderRunCounts struct {
	Provider         string
	Total            int
	Successes        int
	Failures         int
	ProviderFailures int
	// AvgDurationMs averages runs that reported a duration; nil when none did.
	AvgDurationMs *float64
}
