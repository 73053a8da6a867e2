package domain

import (
	"errors"
	"time"
)

// ErrStaleChange is returned by a store when a TaskChange no longer
// matches the persisted task (another caller got there first).
var ErrStaleChange = errors.New("task changed concurrently")

// ErrStaleLineage is returned when a scoring lineage gained a run after
// the caller read its history.
var ErrStaleLineage = errors.New("scoring lineage changed concurrently")

// ClaimCheck selects what a TaskChange expects of the claim holder
type ClaimCheck int

const (
	// ExpectAnyClaim skips the claim check
	ExpectAnyClaim ClaimCheck = iota
	// ExpectUnclaimed requires claimed_by IS NULL
	ExpectUnclaimed
	// ExpectHolder requires claimed_by = Holder
	ExpectHolder
)

// ClaimUpdate selects how a TaskChange rewrites the claim fields
type ClaimUpdate int

const (
	KeepClaim ClaimUpdate = iota
	SetClaim
	ClearClaim
)

// TaskChange is one atomic compare-and-set transition of a task. The store
// applies every field in a single transaction or none of them.
type TaskChange struct {
	TaskID int64
	Event  Event
	From   Status
	To     Status

	Claim  ClaimCheck
	Holder string
	// ExpectAttempt, when set, pins the attempt counter read by the caller.
	ExpectAttempt *int

	ClaimUpdate ClaimUpdate
	ClaimAgent  string
	At          time.Time

	AttemptDelta int
	LastProvider string

	// InsertRun is created with AttemptNumber = attempt after AttemptDelta.
	InsertRun *Run
	// CompleteRun is updated in place; it must still be running.
	CompleteRun *Run
	// InsertVerdict is linked to the task's latest run.
	InsertVerdict *Verdict
}
