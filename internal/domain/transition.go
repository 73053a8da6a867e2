package domain

// Event triggers a lifecycle transition
type Event string

const (
	EventEnqueue           Event = "enqueue"
	EventClaimExecution    Event = "claim_execution"
	EventClaimQA           Event = "claim_qa"
	EventStartRun          Event = "start_run"
	EventRunSucceeded      Event = "run_succeeded"
	EventRunProviderFailed Event = "run_provider_failed"
	EventRunFailed         Event = "run_failed"
	EventVerdictPass       Event = "verdict_pass"
	EventVerdictRetry      Event = "verdict_retry"
	EventVerdictExhausted  Event = "verdict_exhausted"
	EventRelease           Event = "release"
	EventEscalate          Event = "escalate"
)

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the complete task state graph. Pairs missing here are
// rejected.
var transitions = map[transitionKey]Status{
	{StatusPending, EventEnqueue}: StatusQueued,

	{StatusQueued, EventClaimExecution}: StatusClaimed,
	{StatusRetry, EventClaimExecution}:  StatusClaimed,
	{StatusAwaitingQA, EventClaimQA}:    StatusInQA,

	{StatusClaimed, EventStartRun}: StatusRunning,
	{StatusQueued, EventStartRun}:  StatusRunning,
	{StatusRetry, EventStartRun}:   StatusRunning,

	{StatusRunning, EventRunSucceeded}:      StatusAwaitingQA,
	{StatusRunning, EventRunProviderFailed}: StatusQueued,
	{StatusRunning, EventRunFailed}:         StatusFailed,

	{StatusInQA, EventVerdictPass}:        StatusPassed,
	{StatusInQA, EventVerdictRetry}:       StatusRetry,
	{StatusInQA, EventVerdictExhausted}:   StatusExhausted,
	{StatusFailed, EventVerdictRetry}:     StatusRetry,
	{StatusFailed, EventVerdictExhausted}: StatusExhausted,

	{StatusClaimed, EventRelease}: StatusQueued,
	{StatusRunning, EventRelease}: StatusQueued,
	{StatusInQA, EventRelease}:    StatusQueued,

	{StatusFailed, EventEscalate}:     StatusEscalated,
	{StatusRetry, EventEscalate}:      StatusEscalated,
	{StatusInQA, EventEscalate}:       StatusEscalated,
	{StatusAwaitingQA, EventEscalate}: StatusEscalated,
}

// Next returns the status reached from `from` on event e.
// ok is false when the state graph has no such edge.
func Next(from Status, e Event) (to Status, ok bool) {
	to, ok = transitions[transitionKey{from, e}]
	return to, ok
}

// AllEvents returns every lifecycle event.
func AllEvents() []Event {
	return []Event{
		EventEnqueue, EventClaimExecution, EventClaimQA, EventStartRun,
		EventRunSucceeded, EventRunProviderFailed, EventRunFailed,
		EventVerdictPass, EventVerdictRetry, EventVerdictExhausted,
		EventRelease, EventEscalate,
	}
}

// SourcesOf lists the statuses from which event e is accepted.
func SourcesOf(e Event) []Status {
	var from []Status
	for _, s := range AllStatuses() {
		if _, ok := transitions[transitionKey{s, e}]; ok {
			from = append(from, s)
		}
	}
	return from
}

// HoldsClaim reports whether a task in status s is expected to carry a claim.
func HoldsClaim(s Status) bool {
	return s == StatusClaimed || s == StatusRunning || s == StatusInQA
}
