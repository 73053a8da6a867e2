// Package lifecycle drives tasks through the queue's state graph. Every
// operation reads the task, decides the transition from domain's table and
// hands the store a single compare-and-set change, so a caller that lost a
// race gets a conflict or state error and nothing is written.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/notify"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// Events the machine emits that are not state-graph transitions.
const (
	EventIngested  domain.Event = "ingested"
	EventConfirmed domain.Event = "confirmed"
)

// Store is the persistence the machine needs
type Store interface {
	CreateTasks(ctx context.Context, story *domain.Story, tasks []*domain.Task) error
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
	GetTaskByUUID(ctx context.Context, id string) (*domain.Task, error)
	GetRunByUUID(ctx context.Context, id string) (*domain.Run, error)
	LatestRun(ctx context.Context, taskID int64) (*domain.Run, error)
	ApplyChange(ctx context.Context, c domain.TaskChange) (*domain.Task, error)
}

// Event describes one applied change to a task
type Event struct {
	Type     domain.Event  `json:"type"`
	TaskID   int64         `json:"task_id"`
	TaskUUID string        `json:"task_uuid"`
	Title    string        `json:"title"`
	From     domain.Status `json:"from,omitempty"`
	To       domain.Status `json:"to"`
	Agent    string        `json:"agent,omitempty"`
	Attempt  int           `json:"attempt"`
	At       time.Time     `json:"at"`
}

// Listener receives events after the change is committed
type Listener func(Event)

// Machine applies lifecycle operations to persisted tasks
type Machine struct {
	store     Store
	notifier  notify.Notifier
	listeners []Listener
	now       func() time.Time

	defaultPriority    int
	defaultMaxAttempts int
}

// Option configures a Machine
type Option func(*Machine)

// WithNotifier alerts a human when a task is exhausted or escalated.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithListener registers a listener for applied events.
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listeners = append(m.listeners, l) }
}

// WithClock overrides the source of transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithDefaults sets the priority and max attempts of ingested tasks that
// leave them unset.
func WithDefaults(priority, maxAttempts int) Option {
	return func(m *Machine) {
		m.defaultPriority = priority
		m.defaultMaxAttempts = maxAttempts
	}
}

// New creates a Machine backed by store
func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:              store,
		notifier:           notify.NoopNotifier{},
		now:                time.Now,
		defaultPriority:    domain.DefaultPriority,
		defaultMaxAttempts: domain.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get resolves a task by internal id or UUID
func (m *Machine) Get(ctx context.Context, ref string) (*domain.Task, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return m.store.GetTask(ctx, id)
	}
	return m.store.GetTaskByUUID(ctx, ref)
}

// apply decides the target of event e from the task as read and writes the
// change guarded by that read.
func (m *Machine) apply(ctx context.Context, task *domain.Task, e domain.Event, c domain.TaskChange, agent string) (*domain.Task, error) {
	to, ok := domain.Next(task.Status, e)
	if !ok {
		return nil, stateError(task, e)
	}

	c.TaskID = task.ID
	c.Event = e
	c.From = task.Status
	c.To = to
	c.At = m.now().UTC()

	updated, err := m.store.ApplyChange(ctx, c)
	if errors.Is(err, domain.ErrStaleChange) {
		return nil, m.raceError(ctx, task, e, c)
	}
	if err != nil {
		return nil, fmt.Errorf("applying %s to task %d: %w", e, task.ID, err)
	}

	m.emit(Event{
		Type:     e,
		TaskID:   updated.ID,
		TaskUUID: updated.UUID,
		Title:    updated.Title,
		From:     c.From,
		To:       updated.Status,
		Agent:    agent,
		Attempt:  updated.Attempt,
		At:       c.At,
	})
	return updated, nil
}

// raceError explains why a change no longer matched the stored task.
func (m *Machine) raceError(ctx context.Context, read *domain.Task, e domain.Event, c domain.TaskChange) error {
	current, err := m.store.GetTask(ctx, read.ID)
	if err != nil {
		return err
	}
	if h := current.Holder(); h != "" {
		if c.Claim == domain.ExpectUnclaimed || (c.Claim == domain.ExpectHolder && h != c.Holder) {
			return claimConflict(current)
		}
	}
	return qerr.Newf(qerr.State, "task %s changed concurrently; %s no longer applies", current.UUID, e).
		WithDetails(map[string]any{
			"current_status": string(current.Status),
			"event":          string(e),
			"attempt":        current.Attempt,
		})
}

func stateError(task *domain.Task, e domain.Event) error {
	return qerr.Newf(qerr.State, "cannot %s task in status %s", e, task.Status).
		WithDetails(map[string]any{
			"current_status": string(task.Status),
			"event":          string(e),
		})
}

func claimConflict(task *domain.Task) error {
	return qerr.New(qerr.Conflict, "Task already claimed").
		WithDetails(map[string]any{"claimed_by": task.Holder()})
}

func (m *Machine) emit(e Event) {
	for _, l := range m.listeners {
		l(e)
	}
}

func (m *Machine) alert(task *domain.Task, title, message string, t notify.NotificationType) {
	err := m.notifier.Send(notify.Notification{
		Title:   title,
		Message: message,
		Type:    t,
		TaskID:  task.UUID,
		Details: map[string]string{
			"task":          task.Title,
			"attempt":       fmt.Sprintf("%d/%d", task.Attempt, task.MaxAttempts),
			"last_provider": task.LastProvider,
		},
	})
	if err != nil {
		log.Printf("notification for task %s failed: %v", task.UUID, err)
	}
}
