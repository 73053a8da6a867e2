package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validTask() *Task {
	return &Task{
		Title:           "Add validators",
		Description:     "Implement request validators",
		SuccessCriteria: []string{"validators reject empty input"},
		Mode:            ModeModifyExisting,
		Priority:        DefaultPriority,
		MaxAttempts:     DefaultMaxAttempts,
		Status:          StatusQueued,
	}
}

func TestTask_RetryAccessors(t *testing.T) {
	tests := []struct {
		attempt, max int
		retriesLeft  bool
		exhausted    bool
	}{
		{0, 3, true, false},
		{2, 3, true, false},
		{3, 3, false, true},
		{4, 3, false, true},
		{0, 1, true, false},
	}

	for _, tt := range tests {
		task := Task{Attempt: tt.attempt, MaxAttempts: tt.max}
		if got := task.HasRetriesLeft(); got != tt.retriesLeft {
			t.Errorf("HasRetriesLeft(%d/%d) = %v, want %v", tt.attempt, tt.max, got, tt.retriesLeft)
		}
		if got := task.IsExhausted(); got != tt.exhausted {
			t.Errorf("IsExhausted(%d/%d) = %v, want %v", tt.attempt, tt.max, got, tt.exhausted)
		}
	}
}

func TestTask_IsUnclaimed(t *testing.T) {
	task := validTask()
	if !task.IsUnclaimed() {
		t.Error("new task should be unclaimed")
	}
	agent := "vera"
	now := time.Now()
	task.ClaimedBy, task.ClaimedAt = &agent, &now
	if task.IsUnclaimed() {
		t.Error("task with holder should be claimed")
	}
	if task.Holder() != "vera" {
		t.Errorf("Holder() = %q, want vera", task.Holder())
	}
}

func TestTask_ApplyDefaults(t *testing.T) {
	task := &Task{}
	task.ApplyDefaults()

	if task.Mode != ModeModifyExisting {
		t.Errorf("Mode = %q, want modify_existing", task.Mode)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", task.MaxAttempts)
	}
	if task.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", task.Status)
	}
}

func TestTask_Validate(t *testing.T) {
	agent := "mason"
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr string
	}{
		{"valid", func(*Task) {}, ""},
		{"missing title", func(t *Task) { t.Title = "" }, "title is required"},
		{"missing description", func(t *Task) { t.Description = "" }, "description is required"},
		{"no criteria", func(t *Task) { t.SuccessCriteria = nil }, "success criterion"},
		{"bad mode", func(t *Task) { t.Mode = "rewrite" }, "invalid mode"},
		{"zero max attempts", func(t *Task) { t.MaxAttempts = 0 }, "max_attempts"},
		{"too many attempts", func(t *Task) { t.MaxAttempts = 11 }, "max_attempts"},
		{"priority too high", func(t *Task) { t.Priority = 1001 }, "priority"},
		{"half claim", func(t *Task) { t.ClaimedBy = &agent }, "claimed_by and claimed_at"},
		{"bad constraints", func(t *Task) { t.Constraints = json.RawMessage("{") }, "constraints is not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := task.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStory_Validate(t *testing.T) {
	if err := (&Story{ID: 7, Title: "Login"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&Story{Title: "Login"}).Validate(); err == nil {
		t.Error("story without id should be rejected")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("confirmed"); err == nil {
		t.Error("ParseStatus should reject unknown keys")
	}
}

func TestParseFailureType(t *testing.T) {
	if f, err := ParseFailureType(""); err != nil || f != "" {
		t.Errorf("ParseFailureType(\"\") = %q, %v", f, err)
	}
	if f, err := ParseFailureType("timeout"); err != nil || f != FailureTimeout {
		t.Errorf("ParseFailureType(timeout) = %q, %v", f, err)
	}
	if _, err := ParseFailureType("segfault"); err == nil {
		t.Error("ParseFailureType should reject unknown categories")
	}
}

func TestVerdict_AdjustedConfidence(t *testing.T) {
	v := Verdict{Confidence: 0.9}
	if got := v.AdjustedConfidence(nil); got != 0.9 {
		t.Errorf("AdjustedConfidence(nil) = %v, want 0.9", got)
	}
	if got := v.AdjustedConfidence(&Run{ConfidenceWeight: 0.5}); got != 0.45 {
		t.Errorf("AdjustedConfidence(0.5) = %v, want 0.45", got)
	}
}
