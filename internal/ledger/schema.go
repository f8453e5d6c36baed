package ledger

// schemaVersion identifies the process tables layout.
const schemaVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processes (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    owner_id            TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'uploaded',
    progress_percent    INTEGER NOT NULL DEFAULT 0,
    progress_step       TEXT NOT NULL DEFAULT '',
    original_json       TEXT,
    processed_json      TEXT,
    audio_json          TEXT,
    audio_duration      REAL NOT NULL DEFAULT 0,
    expected_segments   INTEGER NOT NULL DEFAULT 0,
    transcript_json     TEXT,
    tags_json           TEXT,
    tags_state          TEXT NOT NULL DEFAULT 'pending',
    title               TEXT NOT NULL DEFAULT '',
    title_state         TEXT NOT NULL DEFAULT 'pending',
    todo_json           TEXT,
    todo_state          TEXT NOT NULL DEFAULT 'pending',
    embedding_json      TEXT,
    embedding_method    TEXT NOT NULL DEFAULT '',
    embedding_state     TEXT NOT NULL DEFAULT 'pending',
    pending_video_json  TEXT,
    pending_video_state TEXT NOT NULL DEFAULT 'absent',
    remote_json         TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processes_status
    ON processes (status, updated_at);

CREATE TABLE IF NOT EXISTS process_segments (
    process_id TEXT NOT NULL,
    idx        INTEGER NOT NULL,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (process_id, idx)
);

CREATE TABLE IF NOT EXISTS process_stage_jobs (
    process_id TEXT NOT NULL,
    stage_key  TEXT NOT NULL,
    job_id     INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    PRIMARY KEY (process_id, stage_key)
);

CREATE TABLE IF NOT EXISTS process_errors (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    process_id TEXT NOT NULL,
    stage      TEXT NOT NULL,
    message    TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_process_errors_process
    ON process_errors (process_id, id);
`
