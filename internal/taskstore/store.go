package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for stories, tasks, runs,
// verdicts and scoring lineages
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, qerr.Wrap(qerr.Initialization, err, "opening database")
	}

	// One connection: keeps :memory: databases shared and serializes
	// every transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, qerr.Wrap(qerr.Initialization, err, "enabling foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, qerr.Wrap(qerr.Initialization, err, "setting busy timeout")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, qerr.Wrap(qerr.Initialization, err, "running migrations")
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// UpsertStory inserts or updates a story
func (s *Store) UpsertStory(ctx context.Context, story *domain.Story) error {
	return upsertStory(ctx, s.db, story, s.timestamp())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStory(ctx context.Context, db execer, story *domain.Story, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stories (id, title, narrative, acceptance_criteria, epic_id, epic_title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			narrative = excluded.narrative,
			acceptance_criteria = excluded.acceptance_criteria,
			epic_id = excluded.epic_id,
			epic_title = excluded.epic_title,
			updated_at = excluded.updated_at
	`,
		story.ID,
		story.Title,
		story.Narrative,
		nullString(story.AcceptanceCriteria),
		story.EpicID,
		nullString(story.EpicTitle),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting story %d: %w", story.ID, err)
	}
	return nil
}

// GetStory retrieves a story by ID
func (s *Store) GetStory(ctx context.Context, id int64) (*domain.Story, error) {
	var story domain.Story
	var criteria, epicTitle sql.NullString
	var epicID sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, narrative, acceptance_criteria, epic_id, epic_title
		FROM stories WHERE id = ?
	`, id).Scan(&story.ID, &story.Title, &story.Narrative, &criteria, &epicID, &epicTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.Newf(qerr.NotFound, "story %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting story %d: %w", id, err)
	}

	story.AcceptanceCriteria = criteria.String
	story.EpicTitle = epicTitle.String
	if epicID.Valid {
		story.EpicID = &epicID.Int64
	}
	return &story, nil
}

// DeleteStory removes a story together with its tasks, runs and verdicts
func (s *Store) DeleteStory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting story %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return qerr.Newf(qerr.NotFound, "story %d not found", id)
	}
	return nil
}

// CreateTasks upserts the story and inserts every task in one transaction.
// IDs, UUIDs and timestamps are filled in on the passed tasks.
func (s *Store) CreateTasks(ctx context.Context, story *domain.Story, tasks []*domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	if err := upsertStory(ctx, tx, story, now); err != nil {
		return err
	}

	for _, task := range tasks {
		if task.UUID == "" {
			task.UUID = uuid.NewString()
		}
		task.StoryID = story.ID
		task.CreatedAt = now
		task.UpdatedAt = now

		criteria, err := json.Marshal(task.SuccessCriteria)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_uuid, story_id, epic_id, title, description, success_criteria,
				constraints, inputs, mode, expected_outputs, attempt, max_attempts, status,
				priority, sort_order, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task.UUID,
			task.StoryID,
			task.EpicID,
			task.Title,
			task.Description,
			string(criteria),
			nullJSON(task.Constraints),
			nullJSON(task.Inputs),
			string(task.Mode),
			nullJSON(task.ExpectedOutputs),
			task.Attempt,
			task.MaxAttempts,
			string(task.Status),
			task.Priority,
			task.SortOrder,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("inserting task %q: %w", task.Title, err)
		}
		if task.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tasks: %w", err)
	}
	return nil
}

const taskColumns = `id, task_uuid, story_id, epic_id, title, description, success_criteria,
	constraints, inputs, mode, expected_outputs, attempt, max_attempts, last_provider,
	claimed_by, claimed_at, status, priority, sort_order, created_at, updated_at`

// GetTask retrieves a task by internal ID
func (s *Store) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.Newf(qerr.NotFound, "task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %d: %w", id, err)
	}
	return task, nil
}

// GetTaskByUUID retrieves a task by its external ID
func (s *Store) GetTaskByUUID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_uuid = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.Newf(qerr.NotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, highest priority first and
// oldest first within a priority
func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Unclaimed {
		query += " AND claimed_by IS NULL"
	}
	if f.StoryID != 0 {
		query += " AND story_id = ?"
		args = append(args, f.StoryID)
	}

	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks in each status that has any
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// ApplyChange performs a compare-and-set transition. Every write in the
// change happens in one transaction; if the task no longer matches the
// expected status, claim or attempt, nothing is written and
// domain.ErrStaleChange is returned.
func (s *Store) ApplyChange(ctx context.Context, c domain.TaskChange) (*domain.Task, error) {
	at := c.At
	if at.IsZero() {
		at = s.timestamp()
	}
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	set := []string{"status = ?", "updated_at = ?", "attempt = attempt + ?"}
	args := []any{string(c.To), at, c.AttemptDelta}

	switch c.ClaimUpdate {
	case domain.SetClaim:
		set = append(set, "claimed_by = ?", "claimed_at = ?")
		args = append(args, c.ClaimAgent, at)
	case domain.ClearClaim:
		set = append(set, "claimed_by = NULL", "claimed_at = NULL")
	}
	if c.LastProvider != "" {
		set = append(set, "last_provider = ?")
		args = append(args, c.LastProvider)
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, c.TaskID, string(c.From))

	switch c.Claim {
	case domain.ExpectUnclaimed:
		where = append(where, "claimed_by IS NULL")
	case domain.ExpectHolder:
		where = append(where, "claimed_by = ?")
		args = append(args, c.Holder)
	}
	if c.ExpectAttempt != nil {
		where = append(where, "attempt = ?")
		args = append(args, *c.ExpectAttempt)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(set, ", ")+" WHERE "+strings.Join(where, " AND "),
		args...)
	if err != nil {
		return nil, fmt.Errorf("updating task %d: %w", c.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrStaleChange
	}

	if c.InsertRun != nil {
		if err := insertRun(ctx, tx, c.TaskID, c.InsertRun, at); err != nil {
			return nil, err
		}
	}
	if c.CompleteRun != nil {
		if err := completeRun(ctx, tx, c.TaskID, c.CompleteRun, at); err != nil {
			return nil, err
		}
	}
	if c.InsertVerdict != nil {
		if err := insertVerdict(ctx, tx, c.TaskID, c.InsertVerdict, at); err != nil {
			return nil, err
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, c.TaskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("reloading task %d: %w", c.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing change to task %d: %w", c.TaskID, err)
	}
	return task, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var epicID sql.NullInt64
	var criteria string
	var constraints, inputs, outputs, lastProvider, claimedBy sql.NullString
	var claimedAt sql.NullTime
	var mode, status string

	err := row.Scan(
		&task.ID, &task.UUID, &task.StoryID, &epicID, &task.Title, &task.Description, &criteria,
		&constraints, &inputs, &mode, &outputs, &task.Attempt, &task.MaxAttempts, &lastProvider,
		&claimedBy, &claimedAt, &status, &task.Priority, &task.SortOrder, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Mode = domain.Mode(mode)
	task.Status = domain.Status(status)
	task.LastProvider = lastProvider.String
	if epicID.Valid {
		task.EpicID = &epicID.Int64
	}
	if claimedBy.Valid {
		task.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if constraints.Valid {
		task.Constraints = json.RawMessage(constraints.String)
	}
	if inputs.Valid {
		task.Inputs = json.RawMessage(inputs.String)
	}
	if outputs.Valid {
		task.ExpectedOutputs = json.RawMessage(outputs.String)
	}
	if err := unmarshalList(criteria, &task.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("decoding success criteria of task %d: %w", task.ID, err)
	}
	return &task, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func marshalList(list []string) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalList(s string, dst *[]string) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
