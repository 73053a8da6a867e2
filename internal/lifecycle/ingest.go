package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// TaskInput is one task to ingest. Nil pointers take the machine defaults.
type TaskInput struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	SuccessCriteria []string        `json:"success_criteria"`
	Constraints     json.RawMessage `json:"constraints,omitempty"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	ExpectedOutputs json.RawMessage `json:"expected_outputs,omitempty"`
	Mode            domain.Mode     `json:"mode,omitempty"`
	Priority        *int            `json:"priority,omitempty"`
	SortOrder       *int            `json:"sort_order,omitempty"`
	MaxAttempts     *int            `json:"max_attempts,omitempty"`
}

// Ingest creates a single task for story. With hold the task starts
// pending and must be enqueued before providers see it.
func (m *Machine) Ingest(ctx context.Context, story domain.Story, in TaskInput, hold bool) (*domain.Task, error) {
	tasks, err := m.ingest(ctx, story, []TaskInput{in}, hold, func(int) int { return 0 })
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// IngestBulk creates all tasks for story in one transaction. Tasks without
// a sort order are numbered by position, starting at 1.
func (m *Machine) IngestBulk(ctx context.Context, story domain.Story, inputs []TaskInput, hold bool) ([]*domain.Task, error) {
	if len(inputs) == 0 {
		return nil, qerr.New(qerr.Validation, "at least one task is required")
	}
	return m.ingest(ctx, story, inputs, hold, func(i int) int { return i + 1 })
}

func (m *Machine) ingest(ctx context.Context, story domain.Story, inputs []TaskInput, hold bool, sortOrder func(int) int) ([]*domain.Task, error) {
	status := domain.StatusQueued
	if hold {
		status = domain.StatusPending
	}

	problems := map[string]any{}
	if err := story.Validate(); err != nil {
		problems["story"] = err.Error()
	}

	tasks := make([]*domain.Task, len(inputs))
	for i, in := range inputs {
		task := &domain.Task{
			EpicID:          story.EpicID,
			Title:           in.Title,
			Description:     in.Description,
			SuccessCriteria: in.SuccessCriteria,
			Constraints:     in.Constraints,
			Inputs:          in.Inputs,
			ExpectedOutputs: in.ExpectedOutputs,
			Mode:            in.Mode,
			Priority:        m.defaultPriority,
			SortOrder:       sortOrder(i),
			MaxAttempts:     m.defaultMaxAttempts,
			Status:          status,
		}
		if in.Priority != nil {
			task.Priority = *in.Priority
		}
		if in.SortOrder != nil {
			task.SortOrder = *in.SortOrder
		}
		if in.MaxAttempts != nil {
			task.MaxAttempts = *in.MaxAttempts
		}
		task.ApplyDefaults()

		if err := task.Validate(); err != nil {
			problems[fmt.Sprintf("tasks.%d", i)] = err.Error()
		}
		tasks[i] = task
	}

	if len(problems) > 0 {
		return nil, qerr.New(qerr.Validation, "invalid ingest request").WithDetails(problems)
	}

	if err := m.store.CreateTasks(ctx, &story, tasks); err != nil {
		return nil, fmt.Errorf("ingesting tasks for story %d: %w", story.ID, err)
	}

	for _, t := range tasks {
		m.emit(Event{
			Type:     EventIngested,
			TaskID:   t.ID,
			TaskUUID: t.UUID,
			Title:    t.Title,
			To:       t.Status,
			At:       t.CreatedAt,
		})
	}
	return tasks, nil
}

// Enqueue releases a held task into the execution queue
func (m *Machine) Enqueue(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, task, domain.EventEnqueue, domain.TaskChange{
		ExpectAttempt: &task.Attempt,
	}, "")
}
