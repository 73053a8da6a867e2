package domain

import "fmt"

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusClaimed    Status = "claimed"
	StatusRunning    Status = "running"
	StatusAwaitingQA Status = "awaiting_qa"
	StatusInQA       Status = "in_qa"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
	StatusExhausted  Status = "exhausted"
	StatusEscalated  Status = "escalated"
)

// AllStatuses returns every status in display order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusQueued, StatusClaimed, StatusRunning,
		StatusAwaitingQA, StatusInQA, StatusPassed, StatusFailed,
		StatusRetry, StatusExhausted, StatusEscalated,
	}
}

// Valid reports whether s is part of the status vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusClaimed, StatusRunning,
		StatusAwaitingQA, StatusInQA, StatusPassed, StatusFailed,
		StatusRetry, StatusExhausted, StatusEscalated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusExhausted || s == StatusEscalated
}

// Label returns the human readable name of the status
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusQueued:
		return "Queued for Execution"
	case StatusClaimed:
		return "Claimed by Provider"
	case StatusRunning:
		return "Running"
	case StatusAwaitingQA:
		return "Awaiting QA"
	case StatusInQA:
		return "In QA"
	case StatusPassed:
		return "Passed"
	case StatusFailed:
		return "Failed"
	case StatusRetry:
		return "Queued for Retry"
	case StatusExhausted:
		return "Retries Exhausted"
	case StatusEscalated:
		return "Escalated to Human"
	default:
		return string(s)
	}
}

// ParseStatus converts a status key into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// Mode is the execution mode requested from a provider
type Mode string

const (
	ModeCreateNew      Mode = "create_new"
	ModeModifyExisting Mode = "modify_existing"
	ModeScaffold       Mode = "scaffold"
	ModeAnalyze        Mode = "analyze"
)

// Valid reports whether m is a known execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCreateNew, ModeModifyExisting, ModeScaffold, ModeAnalyze:
		return true
	default:
		return false
	}
}

// ExecutionStatus represents the execution state of a run
type ExecutionStatus string

const (
	ExecPending         ExecutionStatus = "pending"
	ExecRunning         ExecutionStatus = "running"
	ExecSuccess         ExecutionStatus = "success"
	ExecFailure         ExecutionStatus = "failure"
	ExecProviderFailure ExecutionStatus = "provider_failure"
)

// Completed reports whether the run has reached a final execution status.
func (e ExecutionStatus) Completed() bool {
	return e == ExecSuccess || e == ExecFailure || e == ExecProviderFailure
}

// VerdictKind is a QA judgment
type VerdictKind string

const (
	VerdictPass VerdictKind = "pass"
	VerdictFail VerdictKind = "fail"
)

// FailureType is the closed set of failure categories of a scored run
type FailureType string

const (
	FailureSyntaxError      FailureType = "syntax_error"
	FailureLogicError       FailureType = "logic_error"
	FailureTimeout          FailureType = "timeout"
	FailureResourceError    FailureType = "resource_error"
	FailureValidationError  FailureType = "validation_error"
	FailureAssertionFailure FailureType = "assertion_failure"
	FailureUnknown          FailureType = "unknown"
)

// Valid reports whether f is one of the known failure categories.
func (f FailureType) Valid() bool {
	switch f {
	case FailureSyntaxError, FailureLogicError, FailureTimeout, FailureResourceError,
		FailureValidationError, FailureAssertionFailure, FailureUnknown:
		return true
	default:
		return false
	}
}

// ParseFailureType parses a failure category. The empty string yields "".
func ParseFailureType(s string) (FailureType, error) {
	if s == "" {
		return "", nil
	}
	f := FailureType(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown failure type %q", s)
	}
	return f, nil
}

// EvaluationVerdict is the scoring verdict recorded on an evaluation
type EvaluationVerdict string

const (
	EvalPass     EvaluationVerdict = "pass"
	EvalFail     EvaluationVerdict = "fail"
	EvalEscalate EvaluationVerdict = "escalate"
)
