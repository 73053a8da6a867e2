package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPriority    = 50
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 10
	MaxPriority        = 1000
)

// Story is the higher-level work item a task is decomposed from
type Story struct {
	ID                 int64
	Title              string
	Narrative          string
	AcceptanceCriteria string
	EpicID             *int64
	EpicTitle          string
}

// Task represents a unit of work derived from a story
type Task struct {
	ID              int64
	UUID            string
	StoryID         int64
	EpicID          *int64
	Title           string
	Description     string
	SuccessCriteria []string
	Constraints     json.RawMessage
	Inputs          json.RawMessage
	ExpectedOutputs json.RawMessage
	Mode            Mode
	Priority        int
	SortOrder       int
	Attempt         int
	MaxAttempts     int
	LastProvider    string
	ClaimedBy       *string
	ClaimedAt       *time.Time
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsUnclaimed returns true if no agent holds the task
func (t *Task) IsUnclaimed() bool {
	return t.ClaimedBy == nil
}

// HasRetriesLeft returns true while attempt < max_attempts
func (t *Task) HasRetriesLeft() bool {
	return t.Attempt < t.MaxAttempts
}

// IsExhausted returns true once attempt >= max_attempts
func (t *Task) IsExhausted() bool {
	return t.Attempt >= t.MaxAttempts
}

// Holder returns the claim holder or "" when unclaimed
func (t *Task) Holder() string {
	if t.ClaimedBy == nil {
		return ""
	}
	return *t.ClaimedBy
}

// ApplyDefaults fills in ingest defaults for unset fields.
func (t *Task) ApplyDefaults() {
	if t.Mode == "" {
		t.Mode = ModeModifyExisting
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
}

// Validate checks the field-level invariants of a task
func (t *Task) Validate() error {
	var errs []error
	if t.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if len(t.Title) > 255 {
		errs = append(errs, errors.New("title exceeds 255 characters"))
	}
	if t.Description == "" {
		errs = append(errs, errors.New("description is required"))
	}
	if len(t.SuccessCriteria) == 0 {
		errs = append(errs, errors.New("at least one success criterion is required"))
	}
	if !t.Mode.Valid() {
		errs = append(errs, fmt.Errorf("invalid mode %q", t.Mode))
	}
	if t.MaxAttempts < 1 || t.MaxAttempts > MaxMaxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts must be between 1 and %d", MaxMaxAttempts))
	}
	if t.Priority < 0 || t.Priority > MaxPriority {
		errs = append(errs, fmt.Errorf("priority must be between 0 and %d", MaxPriority))
	}
	if t.SortOrder < 0 {
		errs = append(errs, errors.New("sort_order must not be negative"))
	}
	if t.Attempt < 0 {
		errs = append(errs, errors.New("attempt must not be negative"))
	}
	if !t.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", t.Status))
	}
	if (t.ClaimedBy == nil) != (t.ClaimedAt == nil) {
		errs = append(errs, errors.New("claimed_by and claimed_at must be set together"))
	}
	for _, doc := range []struct {
		name string
		raw  json.RawMessage
	}{{"constraints", t.Constraints}, {"inputs", t.Inputs}, {"expected_outputs", t.ExpectedOutputs}} {
		if len(doc.raw) > 0 && !json.Valid(doc.raw) {
			errs = append(errs, fmt.Errorf("%s is not valid JSON", doc.name))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the story fields required for ingestion
func (s *Story) Validate() error {
	var errs []error
	if s.ID <= 0 {
		errs = append(errs, errors.New("story id is required"))
	}
	if s.Title == "" {
		errs = append(errs, errors.New("story title is required"))
	}
	if len(s.Title) > 255 {
		errs = append(errs, errors.New("story title exceeds 255 characters"))
	}
	return errors.Join(errs...)
}

// TaskFilter narrows a task listing. Zero values match everything.
type TaskFilter struct {
	Statuses  []Status
	Unclaimed bool
	StoryID   int64
	Limit     int
}
