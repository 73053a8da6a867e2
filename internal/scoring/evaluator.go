package scoring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/notify"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// VerdictEscalationThreshold is the confidence below which a failed run is
// classified as "escalate" instead of "fail". Independent of
// EscalationConfidenceThreshold.
const VerdictEscalationThreshold = 0.3

const (
	maxTaskNameLength = 255
	defaultPageSize   = 20
	// maxRecordAttempts bounds rescoring when another writer keeps
	// extending the lineage.
	maxRecordAttempts = 5
)

// Store persists scoring lineages
type Store interface {
	// ScoringHistory returns every run of the lineage, newest first.
	ScoringHistory(ctx context.Context, taskName string) ([]domain.ScoredRun, error)
	// RecordEvaluation stores the run and its evaluation in one transaction,
	// filling in their IDs. It returns domain.ErrStaleLineage when
	// afterRunID is no longer the newest run of the lineage.
	RecordEvaluation(ctx context.Context, run *domain.ScoringRun, eval *domain.Evaluation, afterRunID int64) error
	GetEvaluation(ctx context.Context, id int64) (*domain.Evaluation, *domain.ScoringRun, error)
	ListEvaluations(ctx context.Context, filter domain.EvaluationFilter) ([]*domain.Evaluation, error)
}

// EvaluateRequest describes a finished run of a task lineage
type EvaluateRequest struct {
	TaskName        string
	Success         bool
	FailureType     domain.FailureType
	ErrorMessage    string
	ExecutionTimeMs *int64
	Metadata        map[string]any
}

// Validate checks the request before any scoring happens
func (r *EvaluateRequest) Validate() error {
	if strings.TrimSpace(r.TaskName) == "" {
		return qerr.New(qerr.Validation, "task_name is required")
	}
	if len(r.TaskName) > maxTaskNameLength {
		return qerr.Newf(qerr.Validation, "task_name exceeds %d characters", maxTaskNameLength)
	}
	if r.FailureType != "" && !r.FailureType.Valid() {
		return qerr.Newf(qerr.Validation, "unknown failure_type %q", r.FailureType).
			WithDetails(map[string]any{"failure_type": string(r.FailureType)})
	}
	if r.ExecutionTimeMs != nil && *r.ExecutionTimeMs < 0 {
		return qerr.New(qerr.Validation, "execution_time_ms must not be negative")
	}
	return nil
}

// Evaluator composes confidence, verdict, escalation and guidance and
// records the result.
type Evaluator struct {
	store    Store
	notifier notify.Notifier
	now      func() time.Time

	mu       sync.Mutex
	lineages map[string]*lineageLock
}

type lineageLock struct {
	sync.Mutex
	refs int
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithNotifier sends a notification whenever an evaluation recommends escalation.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Evaluator) { e.notifier = n }
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator backed by store
func NewEvaluator(store Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		notifier: notify.NoopNotifier{},
		now:      time.Now,
		lineages: make(map[string]*lineageLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClassifyVerdict maps a run outcome and its new confidence to a verdict.
func ClassifyVerdict(success bool, confidence float64) domain.EvaluationVerdict {
	if success {
		return domain.EvalPass
	}
	if confidence < VerdictEscalationThreshold {
		return domain.EvalEscalate
	}
	return domain.EvalFail
}

// Score computes the evaluation of run against history without persisting it.
func Score(run *domain.ScoringRun, history []domain.ScoredRun, now time.Time) *domain.Evaluation {
	conf := ComputeConfidence(history, run.Success)
	escalation := ShouldEscalate(run, history, conf.Confidence)

	eval := &domain.Evaluation{
		TaskName:        run.TaskName,
		Verdict:         ClassifyVerdict(run.Success, conf.Confidence),
		Confidence:      conf.Confidence,
		ConfidenceDelta: conf.Delta,
		RetryGuidance:   GenerateGuidance(run, history, conf.Confidence),
		ShouldEscalate:  escalation.Escalate,
		Metadata: domain.EvaluationMetadata{
			PreviousConfidence: conf.Previous,
			EvaluatedAt:        now,
		},
		CreatedAt: now,
	}
	if escalation.Escalate {
		eval.EscalationReason = strings.Join(escalation.Reasons, "; ")
	}
	return eval
}

// Evaluate records a run of a lineage and its evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluateRequest) (*domain.Evaluation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := e.lockLineage(req.TaskName)
	defer unlock()

	// The lineage lock only serializes this process. Another process on
	// the same database makes the write stale, and the run is rescored
	// against the history it left behind.
	for attempt := 1; ; attempt++ {
		eval, err := e.scoreAndRecord(ctx, req)
		if errors.Is(err, domain.ErrStaleLineage) && attempt < maxRecordAttempts {
			log.Printf("lineage %s changed while scoring, rescoring (attempt %d)", req.TaskName, attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recording evaluation for %q: %w", req.TaskName, err)
		}
		if eval.ShouldEscalate {
			e.notifyEscalation(eval)
		}
		return eval, nil
	}
}

func (e *Evaluator) scoreAndRecord(ctx context.Context, req EvaluateRequest) (*domain.Evaluation, error) {
	history, err := e.store.ScoringHistory(ctx, req.TaskName)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	var after int64
	if len(history) > 0 {
		after = history[0].Run.ID
	}

	now := e.now().UTC()
	run := &domain.ScoringRun{
		TaskName:        req.TaskName,
		Success:         req.Success,
		FailureType:     req.FailureType,
		ErrorMessage:    req.ErrorMessage,
		ExecutionTimeMs: req.ExecutionTimeMs,
		Metadata:        req.Metadata,
		CreatedAt:       now,
	}
	eval := Score(run, history, now)

	if err := e.store.RecordEvaluation(ctx, run, eval, after); err != nil {
		return nil, err
	}
	return eval, nil
}

// Get returns an evaluation and the run it scored
func (e *Evaluator) Get(ctx context.Context, id int64) (*domain.Evaluation, *domain.ScoringRun, error) {
	return e.store.GetEvaluation(ctx, id)
}

// List returns evaluations newest first
func (e *Evaluator) List(ctx context.Context, filter domain.EvaluationFilter) ([]*domain.Evaluation, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.ListEvaluations(ctx, filter)
}

// History returns the confidence history of a lineage, oldest first.
func (e *Evaluator) History(ctx context.Context, taskName string) ([]float64, error) {
	runs, err := e.store.ScoringHistory(ctx, taskName)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Evaluation != nil {
			out = append(out, runs[i].Evaluation.Confidence)
		}
	}
	return out, nil
}

func (e *Evaluator) notifyEscalation(eval *domain.Evaluation) {
	err := e.notifier.Send(notify.Notification{
		Title:   "Task escalation recommended",
		Message: eval.EscalationReason,
		Type:    notify.NotifyWarning,
		TaskID:  eval.TaskName,
	})
	if err != nil {
		log.Printf("escalation notification for %s failed: %v", eval.TaskName, err)
	}
}

func (e *Evaluator) lockLineage(name string) func() {
	e.mu.Lock()
	l, ok := e.lineages[name]
	if !ok {
		l = &lineageLock{}
		e.lineages[name] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.lineages, name)
		}
		e.mu.Unlock()
	}
}
