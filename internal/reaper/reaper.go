// Package reaper returns abandoned claims to the queue. An agent that
// claims a task and then disappears would otherwise hold it forever; on a
// cron schedule the reaper releases every claim older than its TTL.
package reaper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// Store lists the tasks that may hold a stale claim
type Store interface {
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error)
}

// Releaser puts a claimed task back in the queue
type Releaser interface {
	Release(ctx context.Context, id int64) (*domain.Task, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@every 1m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Reaper releases claims older than a TTL
type Reaper struct {
	store    Store
	releaser Releaser
	schedule cron.Schedule
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Reaper
type Option func(*Reaper)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper that sweeps on the cron expression expr
func New(store Store, releaser Releaser, expr string, ttl time.Duration, opts ...Option) (*Reaper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("claim ttl must be positive, got %s", ttl)
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	r := &Reaper{
		store:    store,
		releaser: releaser,
		schedule: sched,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NextRun returns when the next sweep is due
func (r *Reaper) NextRun() time.Time {
	return r.schedule.Next(r.now())
}

// Stale returns the claim-holding tasks whose claim is older than the TTL
func (r *Reaper) Stale(ctx context.Context) ([]*domain.Task, error) {
	tasks, err := r.store.ListTasks(ctx, domain.TaskFilter{
		Statuses: []domain.Status{domain.StatusClaimed, domain.StatusRunning, domain.StatusInQA},
	})
	if err != nil {
		return nil, fmt.Errorf("listing claimed tasks: %w", err)
	}

	cutoff := r.now().Add(-r.ttl)
	var stale []*domain.Task
	for _, t := range tasks {
		if t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// Sweep releases every stale claim and returns the released tasks. A task
// that moved on between listing and release is skipped.
func (r *Reaper) Sweep(ctx context.Context) ([]*domain.Task, error) {
	stale, err := r.Stale(ctx)
	if err != nil {
		return nil, err
	}

	var released []*domain.Task
	for _, t := range stale {
		task, err := r.releaser.Release(ctx, t.ID)
		switch {
		case err == nil:
			log.Printf("reaper released task %s (%s, held by %s since %s)",
				t.UUID, t.Status, t.Holder(), t.ClaimedAt.Format(time.RFC3339))
			released = append(released, task)
		case qerr.IsState(err) || qerr.IsConflict(err):
			log.Printf("reaper skipped task %s: %v", t.UUID, err)
		default:
			return released, fmt.Errorf("releasing task %s: %w", t.UUID, err)
		}
	}
	return released, nil
}

// Run sweeps on schedule until ctx is cancelled. Sweep errors are logged
// and do not stop the loop.
func (r *Reaper) Run(ctx context.Context) error {
	log.Printf("reaper started (ttl %s, next sweep %s)", r.ttl, r.NextRun().Format(time.RFC3339))
	for {
		wait := time.Until(r.NextRun())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("reaper stopped")
			return nil
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("reaper sweep failed: %v", err)
			}
		}
	}
}
