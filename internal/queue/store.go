package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	retryBase time.Duration
	retryMax  time.Duration
	now       func() time.Time
}

// StoreOption configures optional Store behavior.
type StoreOption func(*Store)

// WithRetryBackoff overrides the retry backoff window.
func WithRetryBackoff(base, max time.Duration) StoreOption {
	return func(s *Store) {
		s.retryBase = base
		s.retryMax = max
	}
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open initializes or connects to the job database in dir and applies the
// schema.
func Open(dir string, opts ...StoreOption) (*Store, error) {
	dbPath := filepath.Join(dir, "jobs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:        db,
		path:      dbPath,
		retryBase: 2 * time.Second,
		retryMax:  5 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO schema_info (key, value) VALUES ('version', ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		schemaVersion,
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

const jobColumns = `id, queue, type, process_id, payload, priority, status,
    attempts, max_attempts, run_at, last_error, result, created_at,
    updated_at, last_heartbeat`

// Enqueue inserts a pending job. Safe to call concurrently from multiple
// completion handlers; SQLite serializes the insert.
func (s *Store) Enqueue(ctx context.Context, queueName, jobType, processID, payload string, opts Options) (*Job, error) {
	queueName = strings.TrimSpace(queueName)
	jobType = strings.TrimSpace(jobType)
	if queueName == "" || jobType == "" {
		return nil, errors.New("enqueue: queue and type are required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := s.now()
	runAt := now
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay)
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (queue, type, process_id, payload, priority, status,
            attempts, max_attempts, run_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		queueName,
		jobType,
		processID,
		payload,
		opts.Priority,
		StatusPending,
		maxAttempts,
		runAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// ClaimNext atomically claims the next due job on one of the named queues,
// marking it running and counting the attempt. Returns nil when no job is
// due. Ordering is priority descending, then run_at, then insertion order.
func (s *Store) ClaimNext(ctx context.Context, queues ...string) (*Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	now := s.now()
	placeholders := makePlaceholders(len(queues))
	args := make([]any, 0, len(queues)+4)
	args = append(args,
		now.Format(time.RFC3339Nano), // updated_at
		now.Format(time.RFC3339Nano), // last_heartbeat
	)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, now.Format(time.RFC3339Nano)) // run_at cutoff

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
         SET status = 'running', attempts = attempts + 1,
             updated_at = ?, last_heartbeat = ?
         WHERE id = (
             SELECT id FROM jobs
             WHERE queue IN (`+placeholders+`) AND status = 'pending' AND run_at <= ?
             ORDER BY priority DESC, run_at, id
             LIMIT 1
         )
         RETURNING `+jobColumns,
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkDone records a successful completion with the worker's result payload.
func (s *Store) MarkDone(ctx context.Context, id int64, result string) error {
	now := s.now()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = 'done', result = ?, last_error = NULL,
             last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		result,
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Jobs with retry budget left are
// rescheduled with exponential backoff; exhausted jobs become dead.
// Returns the updated job so callers can route dead jobs to the failure
// path.
func (s *Store) MarkFailed(ctx context.Context, id int64, failure string, retryable bool) (*Job, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("mark job failed: job %d %w", id, sql.ErrNoRows)
	}

	now := s.now()
	if retryable && !job.AttemptsExhausted() {
		delay := Backoff(s.retryBase, s.retryMax, job.Attempts)
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = 'pending', last_error = ?, run_at = ?,
                 last_heartbeat = NULL, updated_at = ?
             WHERE id = ?`,
			failure,
			now.Add(delay).Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			id,
		)
	} else {
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = 'dead', last_error = ?,
                 last_heartbeat = NULL, updated_at = ?
             WHERE id = ?`,
			failure,
			now.Format(time.RFC3339Nano),
			id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job failed: %w", err)
	}
	return s.GetByID(ctx, id)
}

// UpdateHeartbeat refreshes the liveness timestamp of a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := s.now()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale returns running jobs whose heartbeat is older than cutoff to
// pending so another worker can pick them up. The interrupted attempt stays
// counted.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, queues ...string) (int64, error) {
	if len(queues) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(queues))
	args := make([]any, 0, len(queues)+3)
	args = append(args, s.now().Format(time.RFC3339Nano))
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, cutoff.Format(time.RFC3339Nano))

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = 'pending', last_heartbeat = NULL, updated_at = ?
         WHERE queue IN (`+placeholders+`) AND status = 'running'
           AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobsByProcess returns every job belonging to a process record, ordered by
// insertion. Used by finalization to inspect stage liveness.
func (s *Store) JobsByProcess(ctx context.Context, processID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE process_id = ? ORDER BY id`,
		processID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs by process: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// List returns jobs filtered by status (or all jobs when none given).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	base := `SELECT ` + jobColumns + ` FROM jobs`
	order := ` ORDER BY id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, base+order)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, base+` WHERE status IN (`+placeholders+`)`+order, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Health aggregates job counts per lifecycle state.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("queue health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, err
		}
		switch Status(status) {
		case StatusPending:
			summary.Pending = count
		case StatusRunning:
			summary.Running = count
		case StatusDone:
			summary.Done = count
		case StatusDead:
			summary.Dead = count
		}
	}
	return summary, rows.Err()
}

// DeleteByProcess removes all jobs for a process record. Used by queue
// maintenance commands, never by the pipeline itself.
func (s *Store) DeleteByProcess(ctx context.Context, processID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE process_id = ?`, processID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job       Job
		runAt     string
		lastError sql.NullString
		result    sql.NullString
		createdAt string
		updatedAt string
		heartbeat sql.NullString
	)
	err := scanner.Scan(
		&job.ID,
		&job.Queue,
		&job.Type,
		&job.ProcessID,
		&job.Payload,
		&job.Priority,
		(*string)(&job.Status),
		&job.Attempts,
		&job.MaxAttempts,
		&runAt,
		&lastError,
		&result,
		&createdAt,
		&updatedAt,
		&heartbeat,
	)
	if err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	job.Result = result.String
	if job.RunAt, err = parseTimestamp(runAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		hb, err := parseTimestamp(heartbeat.String)
		if err != nil {
			return nil, err
		}
		job.LastHeartbeat = &hb
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func parseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return ts, nil
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
