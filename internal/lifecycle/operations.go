package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/notify"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

const maxAgentLength = 50

// ClaimPurpose selects which queue a claim takes a task from
type ClaimPurpose string

const (
	// ClaimAuto claims for QA when the task awaits QA, otherwise for execution.
	ClaimAuto      ClaimPurpose = ""
	ClaimExecution ClaimPurpose = "execution"
	ClaimQA        ClaimPurpose = "qa"
)

func validateAgent(field, agent string) error {
	if strings.TrimSpace(agent) == "" {
		return qerr.Newf(qerr.Validation, "%s is required", field)
	}
	if len(agent) > maxAgentLength {
		return qerr.Newf(qerr.Validation, "%s exceeds %d characters", field, maxAgentLength)
	}
	return nil
}

// claimGuard pins the claim holder as read.
func claimGuard(task *domain.Task) domain.TaskChange {
	if task.IsUnclaimed() {
		return domain.TaskChange{Claim: domain.ExpectUnclaimed}
	}
	return domain.TaskChange{Claim: domain.ExpectHolder, Holder: task.Holder()}
}

// Claim gives agent exclusive hold of an unclaimed task. Exactly one of
// several concurrent claimants wins; the others get a conflict error.
func (m *Machine) Claim(ctx context.Context, id int64, agent string, purpose ClaimPurpose) (*domain.Task, error) {
	if err := validateAgent("agent", agent); err != nil {
		return nil, err
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.IsUnclaimed() {
		return nil, claimConflict(task)
	}

	var e domain.Event
	switch purpose {
	case ClaimExecution:
		e = domain.EventClaimExecution
	case ClaimQA:
		e = domain.EventClaimQA
	case ClaimAuto:
		e = domain.EventClaimExecution
		if task.Status == domain.StatusAwaitingQA {
			e = domain.EventClaimQA
		}
	default:
		return nil, qerr.Newf(qerr.Validation, "unknown claim purpose %q", purpose)
	}

	return m.apply(ctx, task, e, domain.TaskChange{
		Claim:       domain.ExpectUnclaimed,
		ClaimUpdate: domain.SetClaim,
		ClaimAgent:  agent,
	}, agent)
}

// StartRun begins an execution attempt. A claimed task must be held by the
// provider; an unclaimed queued or retry task is claimed in the same step.
// The attempt counter is incremented and the run recorded atomically.
func (m *Machine) StartRun(ctx context.Context, id int64, provider string, confidenceWeight *float64) (*domain.Task, *domain.Run, error) {
	if err := validateAgent("provider_name", provider); err != nil {
		return nil, nil, err
	}
	weight := 1.0
	if confidenceWeight != nil {
		if *confidenceWeight < 0 || *confidenceWeight > 1 {
			return nil, nil, qerr.New(qerr.Validation, "confidence_weight must be between 0 and 1")
		}
		weight = *confidenceWeight
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := domain.Next(task.Status, domain.EventStartRun); !ok {
		return nil, nil, stateError(task, domain.EventStartRun)
	}

	change := domain.TaskChange{
		ExpectAttempt: &task.Attempt,
		AttemptDelta:  1,
		LastProvider:  provider,
	}
	switch {
	case task.Status == domain.StatusClaimed:
		if task.Holder() != provider {
			return nil, nil, claimConflict(task)
		}
		change.Claim = domain.ExpectHolder
		change.Holder = provider
	case !task.IsUnclaimed():
		return nil, nil, claimConflict(task)
	default:
		change.Claim = domain.ExpectUnclaimed
		change.ClaimUpdate = domain.SetClaim
		change.ClaimAgent = provider
	}

	run := &domain.Run{
		ProviderName:     provider,
		ConfidenceWeight: weight,
		ExecutionStatus:  domain.ExecRunning,
	}
	change.InsertRun = run

	updated, err := m.apply(ctx, task, domain.EventStartRun, change, provider)
	if err != nil {
		return nil, nil, err
	}
	return updated, run, nil
}

// CompleteRun records the outcome of the task's current run. Success moves
// the task to QA, a provider failure returns it to the queue without using
// up an attempt, and an execution failure marks it failed.
func (m *Machine) CompleteRun(ctx context.Context, id int64, runUUID string, result domain.RunResult) (*domain.Task, *domain.Run, error) {
	var e domain.Event
	delta := 0
	switch result.ExecutionStatus {
	case domain.ExecSuccess:
		e = domain.EventRunSucceeded
	case domain.ExecProviderFailure:
		e = domain.EventRunProviderFailed
		delta = -1
	case domain.ExecFailure:
		e = domain.EventRunFailed
	default:
		return nil, nil, qerr.Newf(qerr.Validation, "execution_status must be success, failure or provider_failure, got %q", result.ExecutionStatus)
	}
	if result.DurationMs != nil && *result.DurationMs < 0 {
		return nil, nil, qerr.New(qerr.Validation, "duration_ms must not be negative")
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	run, err := m.store.GetRunByUUID(ctx, runUUID)
	if err != nil {
		return nil, nil, err
	}
	if run.TaskID != task.ID {
		return nil, nil, qerr.Newf(qerr.NotFound, "run %s does not belong to task %s", runUUID, task.UUID)
	}
	if run.ExecutionStatus.Completed() {
		return nil, nil, qerr.Newf(qerr.State, "run %s already completed", runUUID).
			WithDetails(map[string]any{"execution_status": string(run.ExecutionStatus)})
	}
	if run.AttemptNumber != task.Attempt {
		return nil, nil, qerr.Newf(qerr.State, "run %s is attempt %d, task is on attempt %d", runUUID, run.AttemptNumber, task.Attempt).
			WithDetails(map[string]any{"current_status": string(task.Status)})
	}

	run.ExecutionStatus = result.ExecutionStatus
	run.FilesModified = result.FilesModified
	run.DiffSummary = result.DiffSummary
	run.Logs = result.Logs
	run.DurationMs = result.DurationMs
	run.ArtifactsPath = result.ArtifactsPath

	change := claimGuard(task)
	change.ExpectAttempt = &task.Attempt
	change.AttemptDelta = delta
	change.ClaimUpdate = domain.ClearClaim
	change.CompleteRun = run

	updated, err := m.apply(ctx, task, e, change, run.ProviderName)
	if err != nil {
		return nil, nil, err
	}
	return updated, run, nil
}

// VerdictRequest is a QA judgment submitted for a task
type VerdictRequest struct {
	Verdict        string
	Confidence     float64
	Reasoning      string
	Observations   []string
	EvidencePaths  []string
	Agent          string
	EvaluatorModel string
}

func (r *VerdictRequest) kind() (domain.VerdictKind, error) {
	switch domain.VerdictKind(strings.ToLower(r.Verdict)) {
	case domain.VerdictPass:
		return domain.VerdictPass, nil
	case domain.VerdictFail:
		return domain.VerdictFail, nil
	}
	return "", qerr.Newf(qerr.Validation, "verdict must be pass or fail, got %q", r.Verdict)
}

// SubmitVerdict records a QA verdict. A failing verdict sends the task to
// retry while attempts remain and to exhausted otherwise; that check is made
// once against the task as read.
func (m *Machine) SubmitVerdict(ctx context.Context, id int64, req VerdictRequest) (*domain.Task, *domain.Verdict, error) {
	kind, err := req.kind()
	if err != nil {
		return nil, nil, err
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, nil, qerr.New(qerr.Validation, "confidence must be between 0 and 1")
	}
	if strings.TrimSpace(req.Reasoning) == "" {
		return nil, nil, qerr.New(qerr.Validation, "reasoning is required")
	}
	if strings.TrimSpace(req.Agent) == "" {
		return nil, nil, qerr.New(qerr.Validation, "agent is required")
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	e := domain.EventVerdictPass
	if kind == domain.VerdictFail {
		e = domain.EventVerdictExhausted
		if task.HasRetriesLeft() {
			e = domain.EventVerdictRetry
		}
	}

	verdict := &domain.Verdict{
		Verdict:        kind,
		Confidence:     req.Confidence,
		Reasoning:      req.Reasoning,
		Observations:   req.Observations,
		EvidencePaths:  req.EvidencePaths,
		EvaluatedBy:    req.Agent,
		EvaluatorModel: req.EvaluatorModel,
	}

	change := claimGuard(task)
	change.ExpectAttempt = &task.Attempt
	change.ClaimUpdate = domain.ClearClaim
	change.InsertVerdict = verdict

	updated, err := m.apply(ctx, task, e, change, req.Agent)
	if err != nil {
		return nil, nil, err
	}

	if updated.Status == domain.StatusExhausted {
		m.alert(updated, "Task exhausted",
			fmt.Sprintf("%s failed QA after %d attempts: %s", updated.Title, updated.Attempt, req.Reasoning),
			notify.NotifyError)
	}
	return updated, verdict, nil
}

// Release clears the claim of a claimed, running or in-QA task and puts it
// back in the execution queue. The open run of a running task is closed as
// a provider failure.
func (m *Machine) Release(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	change := claimGuard(task)
	change.ExpectAttempt = &task.Attempt
	change.ClaimUpdate = domain.ClearClaim

	if task.Status == domain.StatusRunning {
		run, err := m.store.LatestRun(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if run != nil && !run.ExecutionStatus.Completed() {
			abandoned := *run
			abandoned.ExecutionStatus = domain.ExecProviderFailure
			if abandoned.Logs == "" {
				abandoned.Logs = "released before the run completed"
			}
			change.CompleteRun = &abandoned
		}
	}
	return m.apply(ctx, task, domain.EventRelease, change, task.Holder())
}

// Escalate hands a task to a human and notifies them.
func (m *Machine) Escalate(ctx context.Context, id int64, reason string) (*domain.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	change := claimGuard(task)
	change.ExpectAttempt = &task.Attempt
	change.ClaimUpdate = domain.ClearClaim

	updated, err := m.apply(ctx, task, domain.EventEscalate, change, "")
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "escalated for human review"
	}
	m.alert(updated, "Task escalated", fmt.Sprintf("%s: %s", updated.Title, reason), notify.NotifyWarning)
	return updated, nil
}

// Confirmation acknowledges a passed task
type Confirmation struct {
	TaskUUID    string    `json:"task_id"`
	ConfirmedBy string    `json:"confirmed_by"`
	StoryID     int64     `json:"story_id"`
	Notes       string    `json:"notes,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Confirm acknowledges a passed task. It does not change the task.
func (m *Machine) Confirm(ctx context.Context, id int64, agent, notes string) (*Confirmation, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, qerr.New(qerr.Validation, "agent is required")
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusPassed {
		return nil, qerr.New(qerr.State, "Only passed tasks can be confirmed").
			WithDetails(map[string]any{"current_status": string(task.Status)})
	}

	c := &Confirmation{
		TaskUUID:    task.UUID,
		ConfirmedBy: agent,
		StoryID:     task.StoryID,
		Notes:       notes,
		ConfirmedAt: m.now().UTC(),
	}
	m.emit(Event{
		Type:     EventConfirmed,
		TaskID:   task.ID,
		TaskUUID: task.UUID,
		Title:    task.Title,
		From:     task.Status,
		To:       task.Status,
		Agent:    agent,
		Attempt:  task.Attempt,
		At:       c.ConfirmedAt,
	})
	return c, nil
}
