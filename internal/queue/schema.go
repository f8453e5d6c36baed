package queue

// schemaVersion identifies the jobs table layout. The database holds
// in-flight work only, so schema changes are adopted by clearing it.
const schemaVersion = "2"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    queue          TEXT NOT NULL,
    type           TEXT NOT NULL,
    process_id     TEXT NOT NULL,
    payload        TEXT NOT NULL DEFAULT '',
    priority       INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempts       INTEGER NOT NULL DEFAULT 0,
    max_attempts   INTEGER NOT NULL DEFAULT 1,
    run_at         TEXT NOT NULL,
    last_error     TEXT,
    result         TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    last_heartbeat TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON jobs (queue, status, run_at, priority);
CREATE INDEX IF NOT EXISTS idx_jobs_process
    ON jobs (process_id, type);
`
