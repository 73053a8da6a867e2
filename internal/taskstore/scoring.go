package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

const evaluationColumns = `e.id, e.scoring_run_id, r.task_name, e.verdict, e.confidence, e.confidence_delta,
	e.retry_guidance, e.should_escalate, e.escalation_reason, e.evaluation_metadata, e.created_at`

// ScoringHistory returns every run of a lineage newest first, each paired
// with its most recent evaluation
func (s *Store) ScoringHistory(ctx context.Context, taskName string) ([]domain.ScoredRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.task_name, r.success, r.failure_type, r.error_message, r.execution_time_ms,
			r.metadata, r.created_at,
			e.id, e.verdict, e.confidence, e.confidence_delta, e.retry_guidance,
			e.should_escalate, e.escalation_reason, e.evaluation_metadata, e.created_at
		FROM scoring_runs r
		LEFT JOIN task_evaluations e ON e.id = (
			SELECT MAX(id) FROM task_evaluations WHERE scoring_run_id = r.id
		)
		WHERE r.task_name = ?
		ORDER BY r.id DESC
	`, taskName)
	if err != nil {
		return nil, fmt.Errorf("loading history of %q: %w", taskName, err)
	}
	defer rows.Close()

	var history []domain.ScoredRun
	for rows.Next() {
		var sr domain.ScoredRun
		var failureType, errMsg, metadata sql.NullString
		var execMs sql.NullInt64
		var evalID sql.NullInt64
		var verdict, guidance, reason, evalMeta sql.NullString
		var confidence, delta sql.NullFloat64
		var escalate sql.NullBool
		var evalCreated sql.NullTime

		err := rows.Scan(
			&sr.Run.ID, &sr.Run.TaskName, &sr.Run.Success, &failureType, &errMsg, &execMs,
			&metadata, &sr.Run.CreatedAt,
			&evalID, &verdict, &confidence, &delta, &guidance,
			&escalate, &reason, &evalMeta, &evalCreated,
		)
		if err != nil {
			return nil, err
		}
		if err := fillScoringRun(&sr.Run, failureType, errMsg, execMs, metadata); err != nil {
			return nil, err
		}

		if evalID.Valid {
			eval := &domain.Evaluation{
				ID:               evalID.Int64,
				RunID:            sr.Run.ID,
				TaskName:         sr.Run.TaskName,
				Verdict:          domain.EvaluationVerdict(verdict.String),
				Confidence:       confidence.Float64,
				ConfidenceDelta:  delta.Float64,
				ShouldEscalate:   escalate.Bool,
				EscalationReason: reason.String,
				CreatedAt:        evalCreated.Time,
			}
			if err := fillEvaluationDocs(eval, guidance, evalMeta); err != nil {
				return nil, err
			}
			sr.Evaluation = eval
		}
		history = append(history, sr)
	}
	return history, rows.Err()
}

// RecordEvaluation stores a lineage run and its evaluation in one
// transaction and fills in their IDs. The run is only inserted while
// afterRunID is still the newest run of the lineage (0 for an empty one);
// otherwise domain.ErrStaleLineage is returned and nothing is written.
func (s *Store) RecordEvaluation(ctx context.Context, run *domain.ScoringRun, eval *domain.Evaluation, afterRunID int64) error {
	metadata, err := marshalDoc(run.Metadata)
	if err != nil {
		return fmt.Errorf("encoding run metadata: %w", err)
	}
	guidance, err := marshalDoc(eval.RetryGuidance)
	if err != nil {
		return fmt.Errorf("encoding retry guidance: %w", err)
	}
	evalMeta, err := json.Marshal(eval.Metadata)
	if err != nil {
		return fmt.Errorf("encoding evaluation metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.timestamp()
	}

	// A single INSERT ... SELECT takes the write lock before it reads, so
	// the lineage check holds across processes sharing the database file.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scoring_runs (task_name, success, failure_type, error_message, execution_time_ms, metadata, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT MAX(id) FROM scoring_runs WHERE task_name = ?), 0) = ?
	`,
		run.TaskName,
		run.Success,
		nullString(string(run.FailureType)),
		nullString(run.ErrorMessage),
		run.ExecutionTimeMs,
		metadata,
		createdAt,
		run.TaskName,
		afterRunID,
	)
	if err != nil {
		return fmt.Errorf("inserting scoring run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStaleLineage
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO task_evaluations (scoring_run_id, verdict, confidence, confidence_delta, retry_guidance,
			should_escalate, escalation_reason, evaluation_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		string(eval.Verdict),
		eval.Confidence,
		eval.ConfidenceDelta,
		guidance,
		eval.ShouldEscalate,
		nullString(eval.EscalationReason),
		string(evalMeta),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting evaluation: %w", err)
	}
	evalID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing evaluation: %w", err)
	}

	run.ID = runID
	run.CreatedAt = createdAt
	eval.ID = evalID
	eval.RunID = runID
	eval.TaskName = run.TaskName
	eval.CreatedAt = createdAt
	return nil
}

// GetEvaluation returns an evaluation with the run it scored
func (s *Store) GetEvaluation(ctx context.Context, id int64) (*domain.Evaluation, *domain.ScoringRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evaluationColumns+`
		FROM task_evaluations e JOIN scoring_runs r ON r.id = e.scoring_run_id
		WHERE e.id = ?
	`, id)
	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, qerr.Newf(qerr.NotFound, "evaluation %d not found", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting evaluation %d: %w", id, err)
	}

	var run domain.ScoringRun
	var failureType, errMsg, metadata sql.NullString
	var execMs sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, task_name, success, failure_type, error_message, execution_time_ms, metadata, created_at
		FROM scoring_runs WHERE id = ?
	`, eval.RunID).Scan(&run.ID, &run.TaskName, &run.Success, &failureType, &errMsg, &execMs, &metadata, &run.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("getting scoring run %d: %w", eval.RunID, err)
	}
	if err := fillScoringRun(&run, failureType, errMsg, execMs, metadata); err != nil {
		return nil, nil, err
	}
	return eval, &run, nil
}

// ListEvaluations returns evaluations newest first
func (s *Store) ListEvaluations(ctx context.Context, f domain.EvaluationFilter) ([]*domain.Evaluation, error) {
	query := `SELECT ` + evaluationColumns + `
		FROM task_evaluations e JOIN scoring_runs r ON r.id = e.scoring_run_id`
	var args []any
	if f.TaskName != "" {
		query += " WHERE r.task_name = ?"
		args = append(args, f.TaskName)
	}
	query += " ORDER BY e.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, eval)
	}
	return out, rows.Err()
}

func scanEvaluation(row scanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var verdict string
	var delta sql.NullFloat64
	var guidance, reason, meta sql.NullString

	err := row.Scan(
		&eval.ID, &eval.RunID, &eval.TaskName, &verdict, &eval.Confidence, &delta,
		&guidance, &eval.ShouldEscalate, &reason, &meta, &eval.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	eval.Verdict = domain.EvaluationVerdict(verdict)
	eval.ConfidenceDelta = delta.Float64
	eval.EscalationReason = reason.String
	if err := fillEvaluationDocs(&eval, guidance, meta); err != nil {
		return nil, err
	}
	return &eval, nil
}

func fillScoringRun(run *domain.ScoringRun, failureType, errMsg sql.NullString, execMs sql.NullInt64, metadata sql.NullString) error {
	run.FailureType = domain.FailureType(failureType.String)
	run.ErrorMessage = errMsg.String
	if execMs.Valid {
		ms := execMs.Int64
		run.ExecutionTimeMs = &ms
	}
	if metadata.Valid && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return fmt.Errorf("decoding metadata of scoring run %d: %w", run.ID, err)
		}
	}
	return nil
}

func fillEvaluationDocs(eval *domain.Evaluation, guidance, meta sql.NullString) error {
	if guidance.Valid && guidance.String != "null" {
		eval.RetryGuidance = &domain.RetryGuidance{}
		if err := json.Unmarshal([]byte(guidance.String), eval.RetryGuidance); err != nil {
			return fmt.Errorf("decoding retry guidance of evaluation %d: %w", eval.ID, err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &eval.Metadata); err != nil {
			return fmt.Errorf("decoding metadata of evaluation %d: %w", eval.ID, err)
		}
	}
	return nil
}

func marshalDoc(v any) (sql.NullString, error) {
	switch d := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if d == nil {
			return sql.NullString{}, nil
		}
	case *domain.RetryGuidance:
		if d == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
