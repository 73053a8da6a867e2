package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBuildTaskPacket_Defaults(t *testing.T) {
	task := validTask()
	task.UUID = "3b1f5a9e-0000-4000-8000-000000000001"
	task.StoryID = 12
	task.CreatedAt = time.Date(2026, 2, 13, 21, 0, 0, 0, time.UTC)

	p, err := BuildTaskPacket(PacketSource{
		Task:           task,
		Story:          &Story{ID: 12, Title: "Checkout", Narrative: "As a buyer"},
		TimeoutSeconds: 300,
	})
	if err != nil {
		t.Fatal(err)
	}

	if p.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", p.Version)
	}
	if p.Identity.TaskID != task.UUID || p.Identity.MaxAttempts != 3 {
		t.Errorf("Identity = %+v", p.Identity)
	}
	if !p.Execution.Idempotent || p.Execution.TimeoutSeconds != 300 {
		t.Errorf("Execution = %+v", p.Execution)
	}
	if p.StoryContext.Title != "Checkout" {
		t.Errorf("StoryContext.Title = %q, want Checkout", p.StoryContext.Title)
	}

	var c DefaultConstraints
	if err := json.Unmarshal(p.Constraints, &c); err != nil {
		t.Fatal(err)
	}
	if len(c.ForbiddenPaths) != 2 || c.ForbiddenPaths[0] != "vendor/" {
		t.Errorf("ForbiddenPaths = %v", c.ForbiddenPaths)
	}
	if c.Dependencies.AllowNew {
		t.Error("default dependency policy should not allow new dependencies")
	}

	var in DefaultInputs
	if err := json.Unmarshal(p.Inputs, &in); err != nil {
		t.Fatal(err)
	}
	if len(in.RetryGuidance) != 0 || len(in.ArtifactsFromPreviousRun) != 0 {
		t.Errorf("first attempt should carry no retry inputs, got %+v", in)
	}
}

func TestBuildTaskPacket_RetryInputs(t *testing.T) {
	task := validTask()
	task.Attempt = 2
	runs := []*Run{
		{AttemptNumber: 1, ArtifactsPath: "s3://runs/1"},
		{AttemptNumber: 2, ArtifactsPath: "s3://runs/2"},
	}
	verdict := &Verdict{Reasoning: "tests fail", Observations: []string{"missing nil check"}}

	p, err := BuildTaskPacket(PacketSource{Task: task, Runs: runs, LatestVerdict: verdict})
	if err != nil {
		t.Fatal(err)
	}

	var in DefaultInputs
	if err := json.Unmarshal(p.Inputs, &in); err != nil {
		t.Fatal(err)
	}
	if len(in.ArtifactsFromPreviousRun) != 1 || in.ArtifactsFromPreviousRun[0] != "s3://runs/1" {
		t.Errorf("ArtifactsFromPreviousRun = %v", in.ArtifactsFromPreviousRun)
	}
	want := []string{"Previous failure reason: tests fail", "missing nil check"}
	if len(in.RetryGuidance) != 2 || in.RetryGuidance[0] != want[0] || in.RetryGuidance[1] != want[1] {
		t.Errorf("RetryGuidance = %v, want %v", in.RetryGuidance, want)
	}
}

func TestBuildTaskPacket_KeepsCallerDocuments(t *testing.T) {
	task := validTask()
	task.Constraints = json.RawMessage(`{"allowed_paths":["src/"]}`)
	task.Inputs = json.RawMessage(`{"files":["a.go"]}`)

	p, err := BuildTaskPacket(PacketSource{Task: task})
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Constraints) != `{"allowed_paths":["src/"]}` {
		t.Errorf("Constraints = %s", p.Constraints)
	}
	if string(p.Inputs) != `{"files":["a.go"]}` {
		t.Errorf("Inputs = %s", p.Inputs)
	}
}

func TestBuildQAPacket(t *testing.T) {
	task := validTask()
	task.ID = 4
	task.Attempt = 1
	story := &Story{Title: "Checkout", Narrative: "As a buyer", AcceptanceCriteria: "pay by card\n\n  refund works  \n"}
	run := &Run{ID: 9, ProviderName: "goose", FilesModified: []string{"pay.go"}, DiffSummary: "+10 -2"}

	p := BuildQAPacket(task, story, run)

	if p.CorrelationID != "task-4-run-9" {
		t.Errorf("CorrelationID = %q, want task-4-run-9", p.CorrelationID)
	}
	if len(p.Story.AcceptanceCriteria) != 2 || p.Story.AcceptanceCriteria[1] != "refund works" {
		t.Errorf("AcceptanceCriteria = %v", p.Story.AcceptanceCriteria)
	}
	if p.TestInstructions.Type != "code_review" {
		t.Errorf("TestInstructions.Type = %q", p.TestInstructions.Type)
	}
	if p.ExecutionContext.Provider != "goose" || p.ExecutionContext.Attempt != 1 {
		t.Errorf("ExecutionContext = %+v", p.ExecutionContext)
	}
}
