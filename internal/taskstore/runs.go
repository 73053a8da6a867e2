package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

// insertRun creates the run for the attempt the task just moved to.
func insertRun(ctx context.Context, tx *sql.Tx, taskID int64, run *domain.Run, at time.Time) error {
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM tasks WHERE id = ?`, taskID).
		Scan(&run.AttemptNumber); err != nil {
		return fmt.Errorf("reading attempt of task %d: %w", taskID, err)
	}
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.ExecutionStatus == "" {
		run.ExecutionStatus = domain.ExecRunning
	}
	run.TaskID = taskID
	run.CreatedAt = at
	run.UpdatedAt = at

	files, err := marshalList(run.FilesModified)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (run_uuid, task_id, attempt_number, provider_name, confidence_weight,
			execution_status, files_modified, diff_summary, logs, duration_ms, artifacts_path,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.UUID,
		taskID,
		run.AttemptNumber,
		run.ProviderName,
		run.ConfidenceWeight,
		string(run.ExecutionStatus),
		files,
		nullString(run.DiffSummary),
		nullString(run.Logs),
		run.DurationMs,
		nullString(run.ArtifactsPath),
		at,
		at,
	)
	if err != nil {
		return fmt.Errorf("inserting run for task %d: %w", taskID, err)
	}
	run.ID, err = res.LastInsertId()
	return err
}

// completeRun records the outcome of a run that is still in progress.
func completeRun(ctx context.Context, tx *sql.Tx, taskID int64, run *domain.Run, at time.Time) error {
	files, err := marshalList(run.FilesModified)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task_runs SET
			execution_status = ?,
			files_modified = ?,
			diff_summary = ?,
			logs = ?,
			duration_ms = ?,
			artifacts_path = ?,
			updated_at = ?
		WHERE id = ? AND task_id = ? AND execution_status IN ('pending', 'running')
	`,
		string(run.ExecutionStatus),
		files,
		nullString(run.DiffSummary),
		nullString(run.Logs),
		run.DurationMs,
		nullString(run.ArtifactsPath),
		at,
		run.ID,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("completing run %d: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrStaleChange
	}
	run.UpdatedAt = at
	return nil
}

// insertVerdict stores a QA verdict against the task's latest run.
func insertVerdict(ctx context.Context, tx *sql.Tx, taskID int64, v *domain.Verdict, at time.Time) error {
	var runID sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM task_runs WHERE task_id = ? ORDER BY attempt_number DESC, id DESC LIMIT 1`,
		taskID).Scan(&runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finding latest run of task %d: %w", taskID, err)
	}
	if runID.Valid {
		v.RunID = &runID.Int64
	}
	if v.UUID == "" {
		v.UUID = uuid.NewString()
	}
	if v.EvaluatedBy == "" {
		v.EvaluatedBy = "vera"
	}
	v.TaskID = taskID
	v.CreatedAt = at

	observations, err := marshalList(v.Observations)
	if err != nil {
		return err
	}
	evidence, err := marshalList(v.EvidencePaths)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_verdicts (verdict_uuid, task_run_id, task_id, verdict, confidence, reasoning,
			observations, evidence_paths, evaluated_by, evaluator_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.UUID,
		runID,
		taskID,
		string(v.Verdict),
		v.Confidence,
		nullString(v.Reasoning),
		observations,
		evidence,
		v.EvaluatedBy,
		nullString(v.EvaluatorModel),
		at,
	)
	if err != nil {
		return fmt.Errorf("inserting verdict for task %d: %w", taskID, err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

const runColumns = `id, run_uuid, task_id, attempt_number, provider_name, confidence_weight,
	execution_status, files_modified, diff_summary, logs, duration_ms, artifacts_path,
	created_at, updated_at`

// RunsForTask returns every run of a task in attempt order
func (s *Store) RunsForTask(ctx context.Context, taskID int64) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY attempt_number, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing runs of task %d: %w", taskID, err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run of a task, or nil if it never ran
func (s *Store) LatestRun(ctx context.Context, taskID int64) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY attempt_number DESC, id DESC LIMIT 1`,
		taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest run of task %d: %w", taskID, err)
	}
	return run, nil
}

// GetRunByUUID retrieves a run by its external ID
func (s *Store) GetRunByUUID(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE run_uuid = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.Newf(qerr.NotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var files, diff, logs, artifacts sql.NullString
	var duration sql.NullInt64

	err := row.Scan(
		&run.ID, &run.UUID, &run.TaskID, &run.AttemptNumber, &run.ProviderName, &run.ConfidenceWeight,
		&status, &files, &diff, &logs, &duration, &artifacts, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ExecutionStatus = domain.ExecutionStatus(status)
	run.DiffSummary = diff.String
	run.Logs = logs.String
	run.ArtifactsPath = artifacts.String
	if duration.Valid {
		run.DurationMs = &duration.Int64
	}
	if err := unmarshalList(files.String, &run.FilesModified); err != nil {
		return nil, fmt.Errorf("decoding files of run %d: %w", run.ID, err)
	}
	return &run, nil
}

// LatestVerdict returns the newest verdict of a task, or nil if it has none
func (s *Store) LatestVerdict(ctx context.Context, taskID int64) (*domain.Verdict, error) {
	var v domain.Verdict
	var kind string
	var runID sql.NullInt64
	var confidence sql.NullFloat64
	var reasoning, observations, evidence, model sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, verdict_uuid, task_run_id, task_id, verdict, confidence, reasoning,
			observations, evidence_paths, evaluated_by, evaluator_model, created_at
		FROM task_verdicts WHERE task_id = ? ORDER BY id DESC LIMIT 1
	`, taskID).Scan(
		&v.ID, &v.UUID, &runID, &v.TaskID, &kind, &confidence, &reasoning,
		&observations, &evidence, &v.EvaluatedBy, &model, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest verdict of task %d: %w", taskID, err)
	}

	v.Verdict = domain.VerdictKind(kind)
	v.Confidence = confidence.Float64
	v.Reasoning = reasoning.String
	v.EvaluatorModel = model.String
	if runID.Valid {
		v.RunID = &runID.Int64
	}
	if err := unmarshalList(observations.String, &v.Observations); err != nil {
		return nil, err
	}
	if err := unmarshalList(evidence.String, &v.EvidencePaths); err != nil {
		return nil, err
	}
	return &v, nil
}

// ProvidersTried returns the distinct providers that ran a task, by name
func (s *Store) ProvidersTried(ctx context.Context, taskID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT provider_name FROM task_runs WHERE task_id = ? ORDER BY provider_name`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing providers of task %d: %w", taskID, err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// ProviderRunCounts aggregates runs per provider, ordered by provider name
func (s *Store) ProviderRunCounts(ctx context.Context) ([]domain.ProviderRunCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_name,
			COUNT(*),
			SUM(CASE WHEN execution_status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN execution_status = 'failure' THEN 1 ELSE 0 END),
			SUM(CASE WHEN execution_status = 'provider_failure' THEN 1 ELSE 0 END),
			AVG(duration_ms)
		FROM task_runs
		GROUP BY provider_name
		ORDER BY provider_name
	`)
	if err != nil {
		return nil, fmt.Errorf("aggregating provider runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderRunCounts
	for rows.Next() {
		var c domain.ProviderRunCounts
		var avg sql.NullFloat64
		if err := rows.Scan(&c.Provider, &c.Total, &c.Successes, &c.Failures, &c.ProviderFailures, &avg); err != nil {
			return nil, err
		}
		if avg.Valid && !math.IsNaN(avg.Float64) {
			c.AvgDurationMs = &avg.Float64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
