// Package queue answers read-only questions about the task queue: what a
// QA agent or execution provider should pick up next, how the queue and
// the providers are doing, and which tasks are waiting for a retry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// DefaultTimeoutSeconds is the advisory execution timeout put in packets.
const DefaultTimeoutSeconds = 300

// Store is the read-side persistence the queue needs
type Store interface {
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	ProviderRunCounts(ctx context.Context) ([]domain.ProviderRunCounts, error)
	GetStory(ctx context.Context, id int64) (*domain.Story, error)
	RunsForTask(ctx context.Context, taskID int64) ([]*domain.Run, error)
	LatestRun(ctx context.Context, taskID int64) (*domain.Run, error)
	LatestVerdict(ctx context.Context, taskID int64) (*domain.Verdict, error)
	ProvidersTried(ctx context.Context, taskID int64) ([]string, error)
}

// Reader runs queue queries against a Store
type Reader struct {
	store          Store
	timeoutSeconds int
}

// NewReader creates a Reader. timeoutSeconds is the advisory timeout put in
// execution packets; zero selects DefaultTimeoutSeconds.
func NewReader(store Store, timeoutSeconds int) *Reader {
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	return &Reader{store: store, timeoutSeconds: timeoutSeconds}
}

// NextForQA returns the unclaimed task awaiting QA with the highest
// priority, oldest first. It returns nil when none is waiting.
func (r *Reader) NextForQA(ctx context.Context) (*domain.Task, error) {
	tasks, err := r.store.ListTasks(ctx, domain.TaskFilter{
		Statuses:  []domain.Status{domain.StatusAwaitingQA},
		Unclaimed: true,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// NextForExecution returns the unclaimed queued or retry task a provider
// should run next, or nil when the queue is empty.
func (r *Reader) NextForExecution(ctx context.Context) (*domain.Task, error) {
	tasks, err := r.store.ListTasks(ctx, domain.TaskFilter{
		Statuses:  []domain.Status{domain.StatusRetry, domain.StatusQueued},
		Unclaimed: true,
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	SortForExecution(tasks)
	return tasks[0], nil
}

// SortForExecution orders tasks by priority (highest first); at equal
// priority retries come before fresh tasks, then the oldest task wins.
func SortForExecution(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]

		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}

		ra, rb := a.Status == domain.StatusRetry, b.Status == domain.StatusRetry
		if ra != rb {
			return ra
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Stats is a snapshot of the queue's task counts
type Stats struct {
	Counts         map[domain.Status]int
	TotalActive    int
	TotalCompleted int
	TotalFailed    int
}

// MarshalJSON renders every status count next to the totals in one object.
func (s Stats) MarshalJSON() ([]byte, error) {
	out := make(map[string]int, len(s.Counts)+3)
	for _, st := range domain.AllStatuses() {
		out[string(st)] = s.Counts[st]
	}
	out["total_active"] = s.TotalActive
	out["total_completed"] = s.TotalCompleted
	out["total_failed"] = s.TotalFailed
	return json.Marshal(out)
}

// Stats counts tasks per status with the derived totals
func (r *Reader) Stats(ctx context.Context) (*Stats, error) {
	raw, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int, len(domain.AllStatuses()))
	for _, st := range domain.AllStatuses() {
		counts[st] = raw[st]
	}

	return &Stats{
		Counts: counts,
		TotalActive: counts[domain.StatusQueued] + counts[domain.StatusRunning] +
			counts[domain.StatusAwaitingQA] + counts[domain.StatusInQA],
		TotalCompleted: counts[domain.StatusPassed],
		TotalFailed:    counts[domain.StatusFailed] + counts[domain.StatusExhausted] + counts[domain.StatusEscalated],
	}, nil
}

// ProviderStats summarizes the runs of one provider
type ProviderStats struct {
	Provider         string  `json:"-"`
	TotalRuns        int     `json:"total_runs"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	ProviderFailures int     `json:"provider_failures"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDurationMs    int64   `json:"avg_duration_ms"`
}

// ProviderStats returns per-provider run statistics ordered by provider name
func (r *Reader) ProviderStats(ctx context.Context) ([]ProviderStats, error) {
	counts, err := r.store.ProviderRunCounts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProviderStats, 0, len(counts))
	for _, c := range counts {
		ps := ProviderStats{
			Provider:         c.Provider,
			TotalRuns:        c.Total,
			Successes:        c.Successes,
			Failures:         c.Failures,
			ProviderFailures: c.ProviderFailures,
		}
		if c.Total > 0 {
			ps.SuccessRate = math.Round(float64(c.Successes)/float64(c.Total)*1000) / 1000
		}
		if c.AvgDurationMs != nil {
			ps.AvgDurationMs = int64(math.Round(*c.AvgDurationMs))
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// RetryEntry is a task waiting for another attempt, with its failure context
type RetryEntry struct {
	TaskID            string   `json:"task_id"`
	Title             string   `json:"title"`
	Priority          int      `json:"priority"`
	Attempt           int      `json:"attempt"`
	MaxAttempts       int      `json:"max_attempts"`
	LastProvider      string   `json:"last_provider"`
	LastFailureReason *string  `json:"last_failure_reason"`
	ProvidersTried    []string `json:"providers_tried"`
}

// RetryQueue lists retry tasks, highest priority first
func (r *Reader) RetryQueue(ctx context.Context) ([]RetryEntry, error) {
	tasks, err := r.store.ListTasks(ctx, domain.TaskFilter{Statuses: []domain.Status{domain.StatusRetry}})
	if err != nil {
		return nil, err
	}

	out := make([]RetryEntry, 0, len(tasks))
	for _, t := range tasks {
		verdict, err := r.store.LatestVerdict(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		providers, err := r.store.ProvidersTried(ctx, t.ID)
		if err != nil {
			return nil, err
		}

		entry := RetryEntry{
			TaskID:         t.UUID,
			Title:          t.Title,
			Priority:       t.Priority,
			Attempt:        t.Attempt,
			MaxAttempts:    t.MaxAttempts,
			LastProvider:   t.LastProvider,
			ProvidersTried: providers,
		}
		if entry.ProvidersTried == nil {
			entry.ProvidersTried = []string{}
		}
		if verdict != nil {
			reason := verdict.Reasoning
			entry.LastFailureReason = &reason
		}
		out = append(out, entry)
	}
	return out, nil
}

// TaskPacket builds the execution packet for task
func (r *Reader) TaskPacket(ctx context.Context, task *domain.Task) (*domain.TaskPacket, error) {
	story, err := r.story(ctx, task.StoryID)
	if err != nil {
		return nil, err
	}
	runs, err := r.store.RunsForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	verdict, err := r.store.LatestVerdict(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	packet, err := domain.BuildTaskPacket(domain.PacketSource{
		Task:           task,
		Story:          story,
		Runs:           runs,
		LatestVerdict:  verdict,
		TimeoutSeconds: r.timeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("building packet for task %s: %w", task.UUID, err)
	}
	return packet, nil
}

// QAPacket builds the QA detail document for task
func (r *Reader) QAPacket(ctx context.Context, task *domain.Task) (*domain.QAPacket, error) {
	story, err := r.story(ctx, task.StoryID)
	if err != nil {
		return nil, err
	}
	run, err := r.store.LatestRun(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return domain.BuildQAPacket(task, story, run), nil
}

// NextTaskPacket returns the packet of the next task for execution, or nil.
func (r *Reader) NextTaskPacket(ctx context.Context) (*domain.TaskPacket, error) {
	task, err := r.NextForExecution(ctx)
	if err != nil || task == nil {
		return nil, err
	}
	return r.TaskPacket(ctx, task)
}

// NextQAPacket returns the QA document of the next task awaiting QA, or nil.
func (r *Reader) NextQAPacket(ctx context.Context) (*domain.QAPacket, error) {
	task, err := r.NextForQA(ctx)
	if err != nil || task == nil {
		return nil, err
	}
	return r.QAPacket(ctx, task)
}

// story tolerates a story deleted out from under a task listing.
func (r *Reader) story(ctx context.Context, id int64) (*domain.Story, error) {
	story, err := r.store.GetStory(ctx, id)
	if qerr.IsNotFound(err) {
		return nil, nil
	}
	return story, err
}
