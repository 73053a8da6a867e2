package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTasks(t *testing.T, store *Store, tasks ...*domain.Task) {
	t.Helper()
	story := &domain.Story{ID: 7, Title: "Checkout", Narrative: "As a buyer I want to pay"}
	for _, task := range tasks {
		if task.Description == "" {
			task.Description = "do " + task.Title
		}
		if len(task.SuccessCriteria) == 0 {
			task.SuccessCriteria = []string{"tests pass"}
		}
		task.ApplyDefaults()
	}
	if err := store.CreateTasks(context.Background(), story, tasks); err != nil {
		t.Fatal(err)
	}
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	epic := int64(3)
	task := &domain.Task{
		Title:           "Add card form",
		Description:     "Render the card form",
		SuccessCriteria: []string{"form renders", "validation works"},
		Constraints:     json.RawMessage(`{"allowed_paths":["web/"]}`),
		EpicID:          &epic,
		Priority:        80,
	}
	seedTasks(t, store, task)

	if task.ID == 0 || task.UUID == "" {
		t.Fatalf("CreateTasks did not assign identity: %+v", task)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != task.Title {
		t.Errorf("Title = %q, want %q", got.Title, task.Title)
	}
	if len(got.SuccessCriteria) != 2 {
		t.Errorf("SuccessCriteria = %v, want 2 entries", got.SuccessCriteria)
	}
	if string(got.Constraints) != `{"allowed_paths":["web/"]}` {
		t.Errorf("Constraints = %s", got.Constraints)
	}
	if got.EpicID == nil || *got.EpicID != 3 {
		t.Errorf("EpicID = %v, want 3", got.EpicID)
	}
	if got.Status != domain.StatusQueued || got.Mode != domain.ModeModifyExisting {
		t.Errorf("Status/Mode = %s/%s", got.Status, got.Mode)
	}
	if !got.IsUnclaimed() {
		t.Error("new task should be unclaimed")
	}

	byUUID, err := store.GetTaskByUUID(ctx, task.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if byUUID.ID != task.ID {
		t.Errorf("GetTaskByUUID ID = %d, want %d", byUUID.ID, task.ID)
	}

	story, err := store.GetStory(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if story.Narrative != "As a buyer I want to pay" {
		t.Errorf("Narrative = %q", story.Narrative)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetTask(context.Background(), 99); !qerr.IsNotFound(err) {
		t.Errorf("GetTask error = %v, want not found", err)
	}
	if _, err := store.GetTaskByUUID(context.Background(), "nope"); !qerr.IsNotFound(err) {
		t.Errorf("GetTaskByUUID error = %v, want not found", err)
	}
}

func TestStore_CreateTasksIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := &domain.Task{Title: "good", Description: "d", SuccessCriteria: []string{"x"}}
	good.ApplyDefaults()
	bad := &domain.Task{Title: "bad", Description: "d", SuccessCriteria: []string{"x"}, Mode: "teleport", MaxAttempts: 3, Status: domain.StatusQueued}

	err := store.CreateTasks(ctx, &domain.Story{ID: 1, Title: "s"}, []*domain.Task{good, bad})
	if err == nil {
		t.Fatal("expected the invalid mode to be rejected by the schema")
	}

	all, err := store.ListTasks(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("tasks after failed bulk insert = %d, want 0", len(all))
	}
}

func TestStore_ListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := &domain.Task{Title: "low", Priority: 10}
	high := &domain.Task{Title: "high", Priority: 90}
	done := &domain.Task{Title: "done", Priority: 100, Status: domain.StatusPassed}
	seedTasks(t, store, low, high, done)

	queued, err := store.ListTasks(ctx, domain.TaskFilter{Statuses: []domain.Status{domain.StatusQueued}})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued count = %d, want 2", len(queued))
	}
	if queued[0].Title != "high" {
		t.Errorf("first = %q, want high priority first", queued[0].Title)
	}

	limited, err := store.ListTasks(ctx, domain.TaskFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Title != "done" {
		t.Errorf("limited = %v, want only done", limited)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusQueued] != 2 || counts[domain.StatusPassed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStore_ApplyChangeClaimIsCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "claim me"}
	seedTasks(t, store, task)

	claim := func(agent string) (*domain.Task, error) {
		return store.ApplyChange(ctx, domain.TaskChange{
			TaskID:      task.ID,
			Event:       domain.EventClaimExecution,
			From:        domain.StatusQueued,
			To:          domain.StatusClaimed,
			Claim:       domain.ExpectUnclaimed,
			ClaimUpdate: domain.SetClaim,
			ClaimAgent:  agent,
		})
	}

	got, err := claim("forge")
	if err != nil {
		t.Fatal(err)
	}
	if got.Holder() != "forge" || got.ClaimedAt == nil || got.Status != domain.StatusClaimed {
		t.Errorf("claimed task = %+v", got)
	}

	if _, err := claim("mason"); !errors.Is(err, domain.ErrStaleChange) {
		t.Errorf("second claim error = %v, want ErrStaleChange", err)
	}

	after, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Holder() != "forge" {
		t.Errorf("holder after lost race = %q, want forge", after.Holder())
	}
}

func TestStore_ApplyChangeRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "build"}
	seedTasks(t, store, task)

	run := &domain.Run{ProviderName: "claude"}
	got, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID:       task.ID,
		From:         domain.StatusQueued,
		To:           domain.StatusRunning,
		Claim:        domain.ExpectUnclaimed,
		ClaimUpdate:  domain.SetClaim,
		ClaimAgent:   "claude",
		AttemptDelta: 1,
		LastProvider: "claude",
		InsertRun:    run,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempt != 1 || got.LastProvider != "claude" {
		t.Errorf("task after start = attempt %d provider %q", got.Attempt, got.LastProvider)
	}
	if run.ID == 0 || run.AttemptNumber != 1 || run.ExecutionStatus != domain.ExecRunning {
		t.Errorf("run = %+v", run)
	}

	duration := int64(1500)
	done := *run
	done.ExecutionStatus = domain.ExecSuccess
	done.FilesModified = []string{"main.go"}
	done.DurationMs = &duration
	_, err = store.ApplyChange(ctx, domain.TaskChange{
		TaskID:      task.ID,
		From:        domain.StatusRunning,
		To:          domain.StatusAwaitingQA,
		Claim:       domain.ExpectHolder,
		Holder:      "claude",
		ClaimUpdate: domain.ClearClaim,
		CompleteRun: &done,
	})
	if err != nil {
		t.Fatal(err)
	}

	latest, err := store.LatestRun(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ExecutionStatus != domain.ExecSuccess || len(latest.FilesModified) != 1 {
		t.Errorf("latest run = %+v", latest)
	}
	if latest.DurationMs == nil || *latest.DurationMs != 1500 {
		t.Errorf("DurationMs = %v, want 1500", latest.DurationMs)
	}

	byUUID, err := store.GetRunByUUID(ctx, run.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if byUUID.ID != run.ID {
		t.Errorf("GetRunByUUID ID = %d, want %d", byUUID.ID, run.ID)
	}
}

func TestStore_ApplyChangeRollsBackOnCompletedRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "twice"}
	seedTasks(t, store, task)

	run := &domain.Run{ProviderName: "p"}
	if _, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusQueued, To: domain.StatusRunning,
		ClaimUpdate: domain.SetClaim, ClaimAgent: "p", AttemptDelta: 1, InsertRun: run,
	}); err != nil {
		t.Fatal(err)
	}

	// The run is already finished, but the task still reads as running.
	finished := *run
	finished.ExecutionStatus = domain.ExecFailure
	if _, err := store.db.Exec(`UPDATE task_runs SET execution_status = 'success' WHERE id = ?`, run.ID); err != nil {
		t.Fatal(err)
	}

	_, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusRunning, To: domain.StatusFailed,
		ClaimUpdate: domain.ClearClaim, CompleteRun: &finished,
	})
	if !errors.Is(err, domain.ErrStaleChange) {
		t.Fatalf("error = %v, want ErrStaleChange", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning || got.Holder() != "p" {
		t.Errorf("task changed despite rollback: %s held by %q", got.Status, got.Holder())
	}
}

func TestStore_ApplyChangeExpectAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "verdict", Status: domain.StatusInQA}
	seedTasks(t, store, task)

	stale := 2
	_, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusInQA, To: domain.StatusRetry, ExpectAttempt: &stale,
	})
	if !errors.Is(err, domain.ErrStaleChange) {
		t.Errorf("error = %v, want ErrStaleChange for mismatched attempt", err)
	}
}

func TestStore_VerdictLinksLatestRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "qa"}
	seedTasks(t, store, task)

	run := &domain.Run{ProviderName: "codex"}
	if _, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusQueued, To: domain.StatusRunning,
		ClaimUpdate: domain.SetClaim, ClaimAgent: "codex", AttemptDelta: 1, InsertRun: run,
	}); err != nil {
		t.Fatal(err)
	}

	verdict := &domain.Verdict{
		Verdict:      domain.VerdictFail,
		Confidence:   0.7,
		Reasoning:    "missing test",
		Observations: []string{"no coverage for refunds"},
	}
	if _, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusRunning, To: domain.StatusFailed,
		ClaimUpdate: domain.ClearClaim, InsertVerdict: verdict,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.LatestVerdict(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID == nil || *got.RunID != run.ID {
		t.Errorf("RunID = %v, want %d", got.RunID, run.ID)
	}
	if got.EvaluatedBy != "vera" || got.Reasoning != "missing test" || len(got.Observations) != 1 {
		t.Errorf("verdict = %+v", got)
	}

	providers, err := store.ProvidersTried(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 || providers[0] != "codex" {
		t.Errorf("ProvidersTried = %v", providers)
	}
}

func TestStore_LatestRunAndVerdictEmpty(t *testing.T) {
	store := newTestStore(t)
	task := &domain.Task{Title: "fresh"}
	seedTasks(t, store, task)

	run, err := store.LatestRun(context.Background(), task.ID)
	if err != nil || run != nil {
		t.Errorf("LatestRun = %v, %v; want nil, nil", run, err)
	}
	v, err := store.LatestVerdict(context.Background(), task.ID)
	if err != nil || v != nil {
		t.Errorf("LatestVerdict = %v, %v; want nil, nil", v, err)
	}
}

func TestStore_ProviderRunCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &domain.Task{Title: "a"}
	b := &domain.Task{Title: "b"}
	seedTasks(t, store, a, b)

	ms := func(v int64) *int64 { return &v }
	runs := []struct {
		task     *domain.Task
		provider string
		status   domain.ExecutionStatus
		duration *int64
	}{
		{a, "claude", domain.ExecSuccess, ms(100)},
		{b, "claude", domain.ExecFailure, ms(300)},
		{b, "codex", domain.ExecProviderFailure, nil},
	}
	for _, r := range runs {
		_, err := store.db.Exec(`INSERT INTO task_runs (run_uuid, task_id, attempt_number, provider_name, execution_status, duration_ms)
			VALUES (?, ?, 1, ?, ?, ?)`, r.provider+r.task.Title, r.task.ID, r.provider, string(r.status), r.duration)
		if err != nil {
			t.Fatal(err)
		}
	}

	counts, err := store.ProviderRunCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 2 {
		t.Fatalf("providers = %d, want 2", len(counts))
	}
	claude := counts[0]
	if claude.Provider != "claude" || claude.Total != 2 || claude.Successes != 1 || claude.Failures != 1 {
		t.Errorf("claude = %+v", claude)
	}
	if claude.AvgDurationMs == nil || *claude.AvgDurationMs != 200 {
		t.Errorf("claude avg = %v, want 200", claude.AvgDurationMs)
	}
	if counts[1].ProviderFailures != 1 || counts[1].AvgDurationMs != nil {
		t.Errorf("codex = %+v", counts[1])
	}
}

func TestStore_DeleteStoryCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{Title: "doomed"}
	seedTasks(t, store, task)
	if _, err := store.ApplyChange(ctx, domain.TaskChange{
		TaskID: task.ID, From: domain.StatusQueued, To: domain.StatusRunning,
		ClaimUpdate: domain.SetClaim, ClaimAgent: "p", AttemptDelta: 1, InsertRun: &domain.Run{ProviderName: "p"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteStory(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTask(ctx, task.ID); !qerr.IsNotFound(err) {
		t.Errorf("task after story delete: %v, want not found", err)
	}
	var runs int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM task_runs`).Scan(&runs); err != nil {
		t.Fatal(err)
	}
	if runs != 0 {
		t.Errorf("runs after cascade = %d, want 0", runs)
	}
	if err := store.DeleteStory(ctx, 7); !qerr.IsNotFound(err) {
		t.Errorf("second delete error = %v, want not found", err)
	}
}

func TestStore_ScoringLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

	var last int64
	for i, ok := range []bool{true, false} {
		run := &domain.ScoringRun{TaskName: "nightly", Success: ok, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		eval := &domain.Evaluation{Verdict: domain.EvalPass, Confidence: 0.6}
		if !ok {
			ms := int64(42)
			run.FailureType = domain.FailureTimeout
			run.ExecutionTimeMs = &ms
			run.Metadata = map[string]any{"host": "ci-3"}
			eval = &domain.Evaluation{
				Verdict:          domain.EvalFail,
				Confidence:       0.48,
				ConfidenceDelta:  -0.12,
				ShouldEscalate:   true,
				EscalationReason: "Critical failure type detected: timeout",
				RetryGuidance:    &domain.RetryGuidance{ShouldRetry: true, SuggestedDelaySeconds: 5, MaxRetryAttempts: 2, SuggestedActions: []string{"Increase timeout limit"}},
				Metadata:         domain.EvaluationMetadata{PreviousConfidence: 0.6, EvaluatedAt: run.CreatedAt},
			}
		}
		if err := store.RecordEvaluation(ctx, run, eval, last); err != nil {
			t.Fatal(err)
		}
		if run.ID == 0 || eval.ID == 0 || eval.RunID != run.ID {
			t.Fatalf("ids not filled: run %d eval %d/%d", run.ID, eval.ID, eval.RunID)
		}
		last = run.ID
	}
	if err := store.RecordEvaluation(ctx, &domain.ScoringRun{TaskName: "other", Success: true},
		&domain.Evaluation{Verdict: domain.EvalPass, Confidence: 0.6}, 0); err != nil {
		t.Fatal(err)
	}

	history, err := store.ScoringHistory(ctx, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	newest := history[0]
	if newest.Run.Success || newest.Run.FailureType != domain.FailureTimeout {
		t.Errorf("newest run = %+v, want the timeout failure", newest.Run)
	}
	if newest.Run.Metadata["host"] != "ci-3" {
		t.Errorf("Metadata = %v", newest.Run.Metadata)
	}
	if newest.Evaluation == nil || newest.Evaluation.Confidence != 0.48 {
		t.Fatalf("newest evaluation = %+v", newest.Evaluation)
	}
	if g := newest.Evaluation.RetryGuidance; g == nil || g.MaxRetryAttempts != 2 {
		t.Errorf("RetryGuidance = %+v", g)
	}
	if !newest.Evaluation.Metadata.EvaluatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("EvaluatedAt = %v", newest.Evaluation.Metadata.EvaluatedAt)
	}
	if history[1].Evaluation.RetryGuidance != nil {
		t.Error("successful run should carry no guidance")
	}

	list, err := store.ListEvaluations(ctx, domain.EvaluationFilter{TaskName: "nightly", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Confidence != 0.48 {
		t.Errorf("ListEvaluations = %+v", list)
	}

	all, err := store.ListEvaluations(ctx, domain.EvaluationFilter{Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].TaskName != "other" {
		t.Errorf("all evaluations = %d, first %q", len(all), all[0].TaskName)
	}

	eval, run, err := store.GetEvaluation(ctx, list[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if eval.EscalationReason == "" || run.ExecutionTimeMs == nil || *run.ExecutionTimeMs != 42 {
		t.Errorf("GetEvaluation = %+v / %+v", eval, run)
	}

	if _, _, err := store.GetEvaluation(ctx, 999); !qerr.IsNotFound(err) {
		t.Errorf("GetEvaluation(999) error = %v, want not found", err)
	}
}

func TestStore_RecordEvaluationRejectsStaleLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &domain.ScoringRun{TaskName: "nightly", Success: true}
	if err := store.RecordEvaluation(ctx, first, &domain.Evaluation{Verdict: domain.EvalPass, Confidence: 0.6}, 0); err != nil {
		t.Fatal(err)
	}

	// A writer that read the lineage while it was still empty loses.
	late := &domain.ScoringRun{TaskName: "nightly", Success: false}
	err := store.RecordEvaluation(ctx, late, &domain.Evaluation{Verdict: domain.EvalFail, Confidence: 0.4}, 0)
	if !errors.Is(err, domain.ErrStaleLineage) {
		t.Fatalf("stale write error = %v, want ErrStaleLineage", err)
	}
	if late.ID != 0 {
		t.Errorf("stale run got ID %d", late.ID)
	}

	history, err := store.ScoringHistory(ctx, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	evals, err := store.ListEvaluations(ctx, domain.EvaluationFilter{TaskName: "nightly", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 1 {
		t.Errorf("evaluations = %d, want 1", len(evals))
	}

	// Other lineages are unaffected by nightly's newest run.
	if err := store.RecordEvaluation(ctx, &domain.ScoringRun{TaskName: "weekly", Success: true},
		&domain.Evaluation{Verdict: domain.EvalPass, Confidence: 0.6}, 0); err != nil {
		t.Errorf("first run of another lineage: %v", err)
	}
}
