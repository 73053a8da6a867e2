package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS stories (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    narrative TEXT NOT NULL DEFAULT '',
    acceptance_criteria TEXT,
    epic_id INTEGER,
    epic_title TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_uuid TEXT NOT NULL UNIQUE,
    story_id INTEGER NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
    epic_id INTEGER,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    success_criteria TEXT NOT NULL,
    constraints TEXT,
    inputs TEXT,
    mode TEXT NOT NULL DEFAULT 'modify_existing'
        CHECK (mode IN ('create_new', 'modify_existing', 'scaffold', 'analyze')),
    expected_outputs TEXT,
    attempt INTEGER NOT NULL DEFAULT 0 CHECK (attempt >= 0),
    max_attempts INTEGER NOT NULL DEFAULT 3 CHECK (max_attempts >= 1),
    last_provider TEXT,
    claimed_by TEXT,
    claimed_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'queued',
    priority INTEGER NOT NULL DEFAULT 0,
    sort_order INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    CHECK ((claimed_by IS NULL) = (claimed_at IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority);
CREATE INDEX IF NOT EXISTS idx_tasks_story_sort ON tasks(story_id, sort_order);
CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by);

CREATE TABLE IF NOT EXISTS task_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_uuid TEXT NOT NULL UNIQUE,
    task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    provider_name TEXT NOT NULL,
    confidence_weight REAL NOT NULL DEFAULT 1.0,
    execution_status TEXT NOT NULL DEFAULT 'pending'
        CHECK (execution_status IN ('pending', 'running', 'success', 'failure', 'provider_failure')),
    files_modified TEXT,
    diff_summary TEXT,
    logs TEXT,
    duration_ms INTEGER,
    artifacts_path TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task_attempt ON task_runs(task_id, attempt_number);
CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(execution_status);

CREATE TABLE IF NOT EXISTS task_verdicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    verdict_uuid TEXT NOT NULL UNIQUE,
    task_run_id INTEGER REFERENCES task_runs(id) ON DELETE CASCADE,
    task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    verdict TEXT NOT NULL CHECK (verdict IN ('pass', 'fail')),
    confidence REAL,
    reasoning TEXT,
    observations TEXT,
    evidence_paths TEXT,
    evaluated_by TEXT NOT NULL DEFAULT 'vera',
    evaluator_model TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_verdicts_task ON task_verdicts(task_id, verdict);

CREATE TABLE IF NOT EXISTS scoring_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_name TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    failure_type TEXT,
    error_message TEXT,
    execution_time_ms INTEGER,
    metadata TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_scoring_runs_task_name ON scoring_runs(task_name);

CREATE TABLE IF NOT EXISTS task_evaluations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scoring_run_id INTEGER NOT NULL REFERENCES scoring_runs(id) ON DELETE CASCADE,
    verdict TEXT NOT NULL CHECK (verdict IN ('pass', 'fail', 'escalate')),
    confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    confidence_delta REAL,
    retry_guidance TEXT,
    should_escalate BOOLEAN NOT NULL DEFAULT FALSE,
    escalation_reason TEXT,
    evaluation_metadata TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_evaluations_run ON task_evaluations(scoring_run_id);
`
