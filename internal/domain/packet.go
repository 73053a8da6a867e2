package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PacketVersion is the task packet format version handed to providers
const PacketVersion = "1.0"

// TaskPacket is the execution document given to a provider
type TaskPacket struct {
	Version         string          `json:"version"`
	Identity        PacketIdentity  `json:"identity"`
	Goal            PacketGoal      `json:"goal"`
	Constraints     json.RawMessage `json:"constraints"`
	Inputs          json.RawMessage `json:"inputs"`
	Execution       PacketExecution `json:"execution"`
	ProviderContext ProviderContext `json:"provider_context"`
	StoryContext    StoryContext    `json:"story_context"`
	Metadata        PacketMetadata  `json:"metadata"`
}

type PacketIdentity struct {
	TaskID      string `json:"task_id"`
	EpicID      *int64 `json:"epic_id"`
	StoryID     int64  `json:"story_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

type PacketGoal struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria"`
}

type PacketExecution struct {
	Mode            Mode            `json:"mode"`
	ExpectedOutputs json.RawMessage `json:"expected_outputs"`
	Idempotent      bool            `json:"idempotent"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
}

type ProviderContext struct {
	ProviderName     *string `json:"provider_name"`
	ProviderPriority *int    `json:"provider_priority"`
	ConfidenceWeight float64 `json:"confidence_weight"`
}

type StoryContext struct {
	Title              string `json:"title,omitempty"`
	Narrative          string `json:"narrative,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
}

type PacketMetadata struct {
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
	Source    string `json:"source"`
}

// DefaultConstraints is sent when a task carries no constraints document
type DefaultConstraints struct {
	AllowedPaths       []string         `json:"allowed_paths"`
	ForbiddenPaths     []string         `json:"forbidden_paths"`
	Dependencies       DependencyPolicy `json:"dependencies"`
	StyleRules         []string         `json:"style_rules"`
	RuntimeConstraints []string         `json:"runtime_constraints"`
}

type DependencyPolicy struct {
	AllowNew    bool     `json:"allow_new"`
	AllowedList []string `json:"allowed_list"`
}

// DefaultInputs is sent when a task carries no inputs document
type DefaultInputs struct {
	Files                    []string `json:"files"`
	ArtifactsFromPreviousRun []string `json:"artifacts_from_previous_run"`
	RetryGuidance            []string `json:"retry_guidance"`
}

// PacketSource describes everything a packet is built from
type PacketSource struct {
	Task           *Task
	Story          *Story
	Runs           []*Run
	LatestVerdict  *Verdict
	TimeoutSeconds int
}

// BuildTaskPacket assembles the provider execution packet for a task
func BuildTaskPacket(src PacketSource) (*TaskPacket, error) {
	t := src.Task
	p := &TaskPacket{
		Version: PacketVersion,
		Identity: PacketIdentity{
			TaskID:      t.UUID,
			EpicID:      t.EpicID,
			StoryID:     t.StoryID,
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
		},
		Goal: PacketGoal{
			Title:           t.Title,
			Description:     t.Description,
			SuccessCriteria: nonNil(t.SuccessCriteria),
		},
		Execution: PacketExecution{
			Mode:            t.Mode,
			ExpectedOutputs: t.ExpectedOutputs,
			Idempotent:      true,
			TimeoutSeconds:  src.TimeoutSeconds,
		},
		ProviderContext: ProviderContext{ConfidenceWeight: 1.0},
		Metadata: PacketMetadata{
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
			CreatedBy: "mason",
			Source:    "qaqueue",
		},
	}
	if len(p.Execution.ExpectedOutputs) == 0 {
		p.Execution.ExpectedOutputs = json.RawMessage("[]")
	}
	if src.Story != nil {
		p.StoryContext = StoryContext{
			Title:              src.Story.Title,
			Narrative:          src.Story.Narrative,
			AcceptanceCriteria: src.Story.AcceptanceCriteria,
		}
	}

	var err error
	p.Constraints = t.Constraints
	if len(p.Constraints) == 0 {
		p.Constraints, err = json.Marshal(DefaultConstraints{
			AllowedPaths:       []string{},
			ForbiddenPaths:     []string{"vendor/", "node_modules/"},
			Dependencies:       DependencyPolicy{AllowNew: false, AllowedList: []string{}},
			StyleRules:         []string{},
			RuntimeConstraints: []string{},
		})
		if err != nil {
			return nil, err
		}
	}

	p.Inputs = t.Inputs
	if len(p.Inputs) == 0 {
		p.Inputs, err = json.Marshal(DefaultInputs{
			Files:                    []string{},
			ArtifactsFromPreviousRun: RetryArtifacts(t, src.Runs),
			RetryGuidance:            RetryGuidanceText(t, src.LatestVerdict),
		})
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

// RetryArtifacts lists artifact locations of attempts before the current one
func RetryArtifacts(t *Task, runs []*Run) []string {
	out := []string{}
	if t.Attempt == 0 {
		return out
	}
	for _, r := range runs {
		if r.AttemptNumber < t.Attempt && r.ArtifactsPath != "" {
			out = append(out, r.ArtifactsPath)
		}
	}
	return out
}

// RetryGuidanceText turns the latest verdict into hints for the next attempt
func RetryGuidanceText(t *Task, latest *Verdict) []string {
	out := []string{}
	if t.Attempt == 0 || latest == nil {
		return out
	}
	if latest.Reasoning != "" {
		out = append(out, "Previous failure reason: "+latest.Reasoning)
	}
	out = append(out, latest.Observations...)
	return out
}

// QAPacket is the task detail document handed to a QA agent
type QAPacket struct {
	TaskID           string           `json:"task_id"`
	CorrelationID    string           `json:"correlation_id"`
	Story            QAStory          `json:"story"`
	TestInstructions TestInstructions `json:"test_instructions"`
	ExpectedOutcome  ExpectedOutcome  `json:"expected_outcome"`
	ExecutionContext ExecutionContext `json:"execution_context"`
}

type QAStory struct {
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type TestInstructions struct {
	Type      string   `json:"type"`
	TargetURL *string  `json:"target_url"`
	Steps     []string `json:"steps"`
}

type ExpectedOutcome struct {
	SuccessCriteria []string `json:"success_criteria"`
	FilesModified   []string `json:"files_modified"`
}

type ExecutionContext struct {
	Provider      string `json:"provider,omitempty"`
	Attempt       int    `json:"attempt"`
	ArtifactsPath string `json:"artifacts_path,omitempty"`
	DiffSummary   string `json:"diff_summary,omitempty"`
}

// BuildQAPacket assembles the QA document from a task and its latest run
func BuildQAPacket(t *Task, story *Story, latest *Run) *QAPacket {
	p := &QAPacket{
		TaskID: t.UUID,
		TestInstructions: TestInstructions{
			Type:  "code_review",
			Steps: []string{},
		},
		ExpectedOutcome: ExpectedOutcome{
			SuccessCriteria: nonNil(t.SuccessCriteria),
			FilesModified:   []string{},
		},
		ExecutionContext: ExecutionContext{Attempt: t.Attempt},
		Story:            QAStory{AcceptanceCriteria: []string{}},
	}
	if story != nil {
		p.Story.Title = story.Title
		p.Story.Description = story.Narrative
		p.Story.AcceptanceCriteria = SplitCriteria(story.AcceptanceCriteria)
	}
	if latest != nil {
		p.CorrelationID = fmt.Sprintf("task-%d-run-%d", t.ID, latest.ID)
		p.ExpectedOutcome.FilesModified = nonNil(latest.FilesModified)
		p.ExecutionContext.Provider = latest.ProviderName
		p.ExecutionContext.ArtifactsPath = latest.ArtifactsPath
		p.ExecutionContext.DiffSummary = latest.DiffSummary
	} else {
		p.CorrelationID = fmt.Sprintf("task-%d-run-", t.ID)
	}
	return p
}

// SplitCriteria splits newline separated acceptance criteria, dropping blanks
func SplitCriteria(s string) []string {
	out := []string{}
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
