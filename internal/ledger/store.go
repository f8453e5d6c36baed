package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"distill/internal/services"
)

// DefaultEmbeddingDimension is the vector length contract of the embedding
// model. Stored vectors must be empty or exactly this long.
const DefaultEmbeddingDimension = 1536

// Store manages process record persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	dimension int
	now       func() time.Time
}

// StoreOption configures optional Store behavior.
type StoreOption func(*Store)

// WithEmbeddingDimension overrides the accepted embedding vector length.
func WithEmbeddingDimension(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.dimension = n
		}
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

// Open initializes or connects to the process database in dir and applies
// the schema.
func Open(dir string, opts ...StoreOption) (*Store, error) {
	dbPath := filepath.Join(dir, "processes.db")
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
		dimension: DefaultEmbeddingDimension,
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

// EmbeddingDimension returns the accepted vector length.
func (s *Store) EmbeddingDimension() int {
	return s.dimension
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

const recordColumns = `id, tenant_id, owner_id, status, progress_percent,
    progress_step, original_json, processed_json, audio_json, audio_duration,
    expected_segments, transcript_json, tags_json, tags_state, title,
    title_state, todo_json, todo_state, embedding_json, embedding_method,
    embedding_state, pending_video_json, pending_video_state, remote_json,
    created_at, updated_at`

// NewID mints a process identifier. Ingress uses it to name the accepted
// upload before creating the record, so cleanup ownership checks hold for
// the original file.
func NewID() string {
	return uuid.NewString()
}

// Create inserts a fresh record for an accepted upload. The original
// artifact starts local; everything else starts empty.
func (s *Store) Create(ctx context.Context, tenantID, ownerID string, original Artifact) (*Record, error) {
	return s.CreateWithID(ctx, NewID(), tenantID, ownerID, original)
}

// CreateWithID inserts a record under a caller-minted identifier.
func (s *Store) CreateWithID(ctx context.Context, id, tenantID, ownerID string, original Artifact) (*Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	ownerID = strings.TrimSpace(ownerID)
	if id == "" || tenantID == "" || ownerID == "" {
		return nil, services.Wrap(services.ErrValidation, "ledger", "create", "id, tenant, and owner ids are required", nil)
	}
	if original.Storage == "" {
		original.Storage = StorageLocal
	}
	originalJSON, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("encode original artifact: %w", err)
	}

	now := s.now().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO processes (id, tenant_id, owner_id, status, original_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		tenantID,
		ownerID,
		StatusUploaded,
		string(originalJSON),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("create process record: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a record by identifier. Returns nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM processes WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get process record: %w", err)
	}
	return record, nil
}

// List returns records filtered by status (or all records when none given),
// newest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	base := `SELECT ` + recordColumns + ` FROM processes`
	order := ` ORDER BY created_at DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, base+order)
	} else {
		placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, base+` WHERE status IN (`+placeholders+`)`+order, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list process records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SetStatus advances the record's lifecycle state. Regressions and replays
// of an already-passed transition are silent no-ops so completion handlers
// stay idempotent; terminal records never change.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return services.Wrap(services.ErrValidation, "ledger", "set status", fmt.Sprintf("unknown status %q", status), nil)
	}

	var lower []any
	for candidate, rank := range statusRank {
		if candidate.Terminal() {
			continue
		}
		if status == StatusFailed || rank < statusRank[status] {
			lower = append(lower, candidate)
		}
	}
	if len(lower) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(lower)-1) + "?"
	args := make([]any, 0, len(lower)+3)
	args = append(args, status, s.now().Format(time.RFC3339Nano), id)
	args = append(args, lower...)

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.requireExists(ctx, id, "set status")
	}
	return nil
}

// UpdateProgress raises the progress checkpoint. Lower or equal values from
// stale writers are dropped, and failed records never move.
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, step string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET progress_percent = ?, progress_step = ?, updated_at = ?
         WHERE id = ? AND progress_percent <= ? AND status != 'failed'`,
		percent,
		step,
		s.now().Format(time.RFC3339Nano),
		id,
		percent,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetAudio records the extracted audio artifact and its probed duration.
func (s *Store) SetAudio(ctx context.Context, id string, artifact Artifact, duration float64) error {
	encoded, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET audio_json = ?, audio_duration = ?, updated_at = ? WHERE id = ?`,
		encoded,
		duration,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set audio artifact: %w", err)
	}
	return nil
}

// SetProcessed records the processed video artifact.
func (s *Store) SetProcessed(ctx context.Context, id string, artifact Artifact) error {
	encoded, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET processed_json = ?, updated_at = ? WHERE id = ?`,
		encoded,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set processed artifact: %w", err)
	}
	return nil
}

func encodeArtifact(artifact Artifact) (string, error) {
	if artifact.Storage == "" {
		artifact.Storage = StorageLocal
	}
	encoded, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	return string(encoded), nil
}

// SetRemote marks the processed artifact as confirmed in object storage.
func (s *Store) SetRemote(ctx context.Context, id string, remote RemoteRef) error {
	encoded, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("encode remote ref: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes
         SET remote_json = ?,
             processed_json = json_set(COALESCE(processed_json, '{}'), '$.storage', 'remote'),
             updated_at = ?
         WHERE id = ?`,
		string(encoded),
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set remote ref: %w", err)
	}
	return nil
}

// MarkLocalDeleted flips the original and audio artifacts to deleted after
// cleanup removes them from disk.
func (s *Store) MarkLocalDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes
         SET original_json = CASE WHEN original_json IS NULL THEN NULL
                 ELSE json_set(original_json, '$.storage', 'deleted') END,
             audio_json = CASE WHEN audio_json IS NULL THEN NULL
                 ELSE json_set(audio_json, '$.storage', 'deleted') END,
             updated_at = ?
         WHERE id = ?`,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark local artifacts deleted: %w", err)
	}
	return nil
}

// SetExpectedSegments records how many transcription segments the split
// produced, fixing the fan-in count.
func (s *Store) SetExpectedSegments(ctx context.Context, id string, n int) error {
	if n < 0 {
		return services.Wrap(services.ErrValidation, "ledger", "set expected segments", fmt.Sprintf("negative count %d", n), nil)
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET expected_segments = ?, updated_at = ? WHERE id = ?`,
		n,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set expected segments: %w", err)
	}
	return nil
}

// AppendSegment stores one transcription result keyed by segment index.
// Replayed appends for the same index are ignored, so at-least-once job
// delivery cannot double-count a segment. Reports whether the row was new.
func (s *Store) AppendSegment(ctx context.Context, id string, segment Segment) (bool, error) {
	payload, err := json.Marshal(segment)
	if err != nil {
		return false, fmt.Errorf("encode segment: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO process_segments (process_id, idx, payload, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(process_id, idx) DO NOTHING`,
		id,
		segment.Index,
		string(payload),
		s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("append segment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		_ = s.touch(ctx, id)
	}
	return affected > 0, nil
}

// CountSegments returns how many segment results have arrived.
func (s *Store) CountSegments(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM process_segments WHERE process_id = ?`,
		id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return count, nil
}

// Segments returns all stored segment results ordered by index.
func (s *Store) Segments(ctx context.Context, id string) ([]Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT payload FROM process_segments WHERE process_id = ? ORDER BY idx`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var segment Segment
		if err := json.Unmarshal([]byte(payload), &segment); err != nil {
			return nil, fmt.Errorf("decode segment: %w", err)
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

// SetTranscript stores the merged transcript.
func (s *Store) SetTranscript(ctx context.Context, id string, transcript Transcript) error {
	encoded, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET transcript_json = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	return nil
}

// SetTags stores the tag list and closes the tags analysis state.
func (s *Store) SetTags(ctx context.Context, id string, tags []Tag, state AnalysisState) error {
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET tags_json = ?, tags_state = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		state,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	return nil
}

// SetTitle stores the generated title and closes the title analysis state.
func (s *Store) SetTitle(ctx context.Context, id, title string, state AnalysisState) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET title = ?, title_state = ?, updated_at = ? WHERE id = ?`,
		title,
		state,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

// SetTodo stores the todo list and closes the todo analysis state.
func (s *Store) SetTodo(ctx context.Context, id string, items []TodoItem, state AnalysisState) error {
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode todo items: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET todo_json = ?, todo_state = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		state,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set todo items: %w", err)
	}
	return nil
}

// SetEmbedding stores the embedding vector and closes the embedding state.
// Vectors must be empty or exactly the configured dimension; anything else
// is rejected before touching the row.
func (s *Store) SetEmbedding(ctx context.Context, id string, vector []float64, method string, state AnalysisState) error {
	if len(vector) != 0 && len(vector) != s.dimension {
		return services.Wrap(
			services.ErrValidation,
			"ledger",
			"set embedding",
			fmt.Sprintf("vector has %d dimensions, want %d", len(vector), s.dimension),
			nil,
		)
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET embedding_json = ?, embedding_method = ?, embedding_state = ?, updated_at = ?
         WHERE id = ?`,
		string(encoded),
		method,
		state,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// SetPendingVideo parks a compression result for validation.
func (s *Store) SetPendingVideo(ctx context.Context, id string, result VideoResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode pending video: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processes SET pending_video_json = ?, pending_video_state = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		PendingVideoPending,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set pending video: %w", err)
	}
	return nil
}

// CommitPendingVideo promotes a validated pending result to the processed
// artifact in one statement. A record with nothing pending is left alone.
func (s *Store) CommitPendingVideo(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes
         SET processed_json = json_object(
                 'path', json_extract(pending_video_json, '$.path'),
                 'size', json_extract(pending_video_json, '$.size'),
                 'storage', 'local'),
             pending_video_state = ?,
             updated_at = ?
         WHERE id = ? AND pending_video_state = ?`,
		PendingVideoCommitted,
		s.now().Format(time.RFC3339Nano),
		id,
		PendingVideoPending,
	)
	if err != nil {
		return fmt.Errorf("commit pending video: %w", err)
	}
	return nil
}

// RejectPendingVideo discards an invalid pending result, reverting the
// variant to absent.
func (s *Store) RejectPendingVideo(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET pending_video_json = NULL, pending_video_state = ?, updated_at = ?
         WHERE id = ? AND pending_video_state = ?`,
		PendingVideoAbsent,
		s.now().Format(time.RFC3339Nano),
		id,
		PendingVideoPending,
	)
	if err != nil {
		return fmt.Errorf("reject pending video: %w", err)
	}
	return nil
}

// TryClaimStage atomically claims the right to enqueue a follow-up stage.
// The first caller per (record, stage) wins; replayed and racing handlers
// get false and must not enqueue.
func (s *Store) TryClaimStage(ctx context.Context, id, stageKey string) (bool, error) {
	stageKey = strings.TrimSpace(stageKey)
	if stageKey == "" {
		return false, services.Wrap(services.ErrValidation, "ledger", "claim stage", "stage key is required", nil)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO process_stage_jobs (process_id, stage_key, created_at)
         VALUES (?, ?, ?)
         ON CONFLICT(process_id, stage_key) DO NOTHING`,
		id,
		stageKey,
		s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("claim stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetStageJob records the queue job id behind a claimed stage.
func (s *Store) SetStageJob(ctx context.Context, id, stageKey string, jobID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO process_stage_jobs (process_id, stage_key, job_id, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(process_id, stage_key) DO UPDATE SET job_id = excluded.job_id`,
		id,
		stageKey,
		jobID,
		s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set stage job: %w", err)
	}
	return nil
}

// StageJobs returns the stage→job-id map for a record.
func (s *Store) StageJobs(ctx context.Context, id string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT stage_key, job_id FROM process_stage_jobs WHERE process_id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("load stage jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			jobID int64
		)
		if err := rows.Scan(&key, &jobID); err != nil {
			return nil, err
		}
		jobs[key] = jobID
	}
	return jobs, rows.Err()
}

// RecordError appends one entry to the process error log.
func (s *Store) RecordError(ctx context.Context, id, stage, message, details string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO process_errors (process_id, stage, message, details, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		id,
		stage,
		message,
		details,
		s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// Errors returns the full error log for a record, oldest first.
func (s *Store) Errors(ctx context.Context, id string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT stage, message, details, created_at FROM process_errors
         WHERE process_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("load error log: %w", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var (
			entry     ErrorEntry
			createdAt string
		)
		if err := rows.Scan(&entry.Stage, &entry.Message, &entry.Details, &createdAt); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkFailed moves a record to the failed terminal state and logs why.
// Partial results already stored stay untouched.
func (s *Store) MarkFailed(ctx context.Context, id, stage, message, details string) error {
	if err := s.RecordError(ctx, id, stage, message, details); err != nil {
		return err
	}
	return s.SetStatus(ctx, id, StatusFailed)
}

// StalledBefore returns non-terminal records whose last update predates
// cutoff, for the reaper's stuck-record sweep.
func (s *Store) StalledBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+recordColumns+` FROM processes
         WHERE status NOT IN ('completed', 'failed') AND updated_at < ?
         ORDER BY updated_at`,
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list stalled records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByStatus aggregates record counts per lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// Delete removes a record and its child rows. Used by maintenance commands,
// never by the pipeline itself.
func (s *Store) Delete(ctx context.Context, id string) error {
	statements := []string{
		`DELETE FROM process_segments WHERE process_id = ?`,
		`DELETE FROM process_stage_jobs WHERE process_id = ?`,
		`DELETE FROM process_errors WHERE process_id = ?`,
		`DELETE FROM processes WHERE id = ?`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement, id); err != nil {
			return fmt.Errorf("delete process record: %w", err)
		}
	}
	return nil
}

func (s *Store) requireExists(ctx context.Context, id, op string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processes WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrNotFound, "ledger", op, fmt.Sprintf("process %s", id), nil)
	}
	return err
}

func (s *Store) touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processes SET updated_at = ? WHERE id = ?`,
		s.now().Format(time.RFC3339Nano),
		id,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var (
		record        Record
		originalJSON  sql.NullString
		processedJSON sql.NullString
		audioJSON     sql.NullString
		transcript    sql.NullString
		tagsJSON      sql.NullString
		todoJSON      sql.NullString
		embeddingJSON sql.NullString
		pendingJSON   sql.NullString
		remoteJSON    sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := scanner.Scan(
		&record.ID,
		&record.TenantID,
		&record.OwnerID,
		(*string)(&record.Status),
		&record.ProgressPercent,
		&record.ProgressStep,
		&originalJSON,
		&processedJSON,
		&audioJSON,
		&record.AudioDuration,
		&record.ExpectedSegments,
		&transcript,
		&tagsJSON,
		(*string)(&record.TagsState),
		&record.Title,
		(*string)(&record.TitleState),
		&todoJSON,
		(*string)(&record.TodoState),
		&embeddingJSON,
		&record.EmbeddingMethod,
		(*string)(&record.EmbeddingState),
		&pendingJSON,
		(*string)(&record.PendingVideoState),
		&remoteJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeInto(originalJSON, &record.Original); err != nil {
		return nil, err
	}
	if err := decodeInto(processedJSON, &record.Processed); err != nil {
		return nil, err
	}
	if err := decodeInto(audioJSON, &record.Audio); err != nil {
		return nil, err
	}
	if err := decodeInto(transcript, &record.Transcript); err != nil {
		return nil, err
	}
	if err := decodeInto(tagsJSON, &record.Tags); err != nil {
		return nil, err
	}
	if err := decodeInto(todoJSON, &record.Todo); err != nil {
		return nil, err
	}
	if err := decodeInto(embeddingJSON, &record.Embedding); err != nil {
		return nil, err
	}
	if err := decodeInto(pendingJSON, &record.PendingVideo); err != nil {
		return nil, err
	}
	if err := decodeInto(remoteJSON, &record.Remote); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &record, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func decodeInto(value sql.NullString, target any) error {
	if !value.Valid || value.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value.String), target); err != nil {
		return fmt.Errorf("decode stored json: %w", err)
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return ts, nil
}
