package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against the ingestion_jobs / conversations
// / conversation_turns tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Init creates the schema if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
    id TEXT PRIMARY KEY,
    stable_event_id TEXT NOT NULL UNIQUE,
    source_bucket TEXT NOT NULL,
    source_key TEXT NOT NULL,
    trace_id TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT '',
    schema_version TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    last_error_at TIMESTAMPTZ,
    error_code TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    error_stack TEXT NOT NULL DEFAULT '',
    processing_metadata JSONB NOT NULL DEFAULT '{}',
    conversation_id TEXT NOT NULL DEFAULT '',
    file_size_bytes BIGINT,
    processing_duration_ms BIGINT
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    date TIMESTAMPTZ NOT NULL,
    duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    language TEXT NOT NULL DEFAULT '',
    conversation_type TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    participants JSONB NOT NULL DEFAULT '[]',
    location_name TEXT NOT NULL DEFAULT '',
    location_gps TEXT NOT NULL DEFAULT '',
    confidence_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    main_topics JSONB NOT NULL DEFAULT '[]',
    tags JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversation_turns (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    turn_index INTEGER NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    timestamp_ms BIGINT NOT NULL,
    PRIMARY KEY (conversation_id, turn_index)
);
`)
	return err
}

func (s *PostgresStore) FindByStableEventID(ctx context.Context, stableEventID string) (*IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, stable_event_id, source_bucket, source_key, trace_id, checksum, schema_version,
       status, retry_count, max_retries, created_at, started_at, completed_at, last_error_at,
       error_code, error_message, error_stack, processing_metadata, conversation_id,
       file_size_bytes, processing_duration_ms
FROM ingestion_jobs WHERE stable_event_id = $1`, stableEventID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by stable event id: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Create(ctx context.Context, stableEventID, bucket, key string, initial Status, traceID, checksum, schemaVersion string, maxRetries int) (*IngestionJob, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingestion_jobs (id, stable_event_id, source_bucket, source_key, trace_id, checksum, schema_version, status, max_retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, stableEventID, bucket, key, traceID, checksum, schemaVersion, string(initial), maxRetries)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.FindByStableEventID(ctx, stableEventID)
}

func (s *PostgresStore) Advance(ctx context.Context, jobID string, newStatus Status, patch Patch) (*IngestionJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin advance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if !CanTransition(current, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, newStatus)
	}

	metadataJSON, err := json.Marshal(patch.ProcessingMetadata)
	if err != nil {
		return nil, fmt.Errorf("marshal processing_metadata: %w", err)
	}

	var completedAt any
	if newStatus == StatusCompleted {
		completedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
UPDATE ingestion_jobs SET
    status = $1,
    error_code = $2,
    error_message = $3,
    error_stack = $4,
    processing_metadata = COALESCE(NULLIF($5::jsonb, 'null'::jsonb), processing_metadata),
    conversation_id = CASE WHEN $6 = '' THEN conversation_id ELSE $6 END,
    file_size_bytes = COALESCE($7, file_size_bytes),
    processing_duration_ms = COALESCE($8, processing_duration_ms),
    completed_at = COALESCE($9, completed_at)
WHERE id = $10`,
		string(newStatus), patch.ErrorCode, patch.ErrorMessage, patch.ErrorStack, metadataJSON,
		patch.ConversationID, patch.FileSizeBytes, patch.ProcessingDurationMs, completedAt, jobID)
	if err != nil {
		return nil, fmt.Errorf("advance job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit advance tx: %w", err)
	}

	return s.findByID(ctx, jobID)
}

// PatchInFlight applies patch fields to a job without a status transition,
// so it runs unconditionally instead of going through CanTransition.
func (s *PostgresStore) PatchInFlight(ctx context.Context, jobID string, patch Patch) (*IngestionJob, error) {
	metadataJSON, err := json.Marshal(patch.ProcessingMetadata)
	if err != nil {
		return nil, fmt.Errorf("marshal processing_metadata: %w", err)
	}

	ct, err := s.pool.Exec(ctx, `
UPDATE ingestion_jobs SET
    error_code = CASE WHEN $1 = '' THEN error_code ELSE $1 END,
    error_message = CASE WHEN $2 = '' THEN error_message ELSE $2 END,
    error_stack = CASE WHEN $3 = '' THEN error_stack ELSE $3 END,
    processing_metadata = COALESCE(NULLIF($4::jsonb, 'null'::jsonb), processing_metadata),
    conversation_id = CASE WHEN $5 = '' THEN conversation_id ELSE $5 END,
    file_size_bytes = COALESCE($6, file_size_bytes),
    processing_duration_ms = COALESCE($7, processing_duration_ms)
WHERE id = $8`,
		patch.ErrorCode, patch.ErrorMessage, patch.ErrorStack, metadataJSON,
		patch.ConversationID, patch.FileSizeBytes, patch.ProcessingDurationMs, jobID)
	if err != nil {
		return nil, fmt.Errorf("patch in-flight job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return s.findByID(ctx, jobID)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, jobID string) (*IngestionJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	var retryCount, maxRetries int
	if err := tx.QueryRow(ctx, `SELECT status, retry_count, max_retries FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, jobID).
		Scan(&current, &retryCount, &maxRetries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if !CanTransition(current, StatusDownloading) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, StatusDownloading)
	}
	if retryCount >= maxRetries {
		return nil, fmt.Errorf("retry_count %d already at max_retries %d", retryCount, maxRetries)
	}

	_, err = tx.Exec(ctx, `
UPDATE ingestion_jobs SET
    status = $1,
    retry_count = retry_count + 1,
    started_at = NOW(),
    completed_at = NULL
WHERE id = $2`, string(StatusDownloading), jobID)
	if err != nil {
		return nil, fmt.Errorf("mark retry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry tx: %w", err)
	}
	return s.findByID(ctx, jobID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, errorCode, message, stack string, at time.Time) (*IngestionJob, error) {
	_, err := s.pool.Exec(ctx, `
UPDATE ingestion_jobs SET
    status = $1,
    error_code = $2,
    error_message = $3,
    error_stack = $4,
    last_error_at = $5
WHERE id = $6`, string(StatusFailed), errorCode, message, stack, at, jobID)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return s.findByID(ctx, jobID)
}

func (s *PostgresStore) PersistConversation(ctx context.Context, jobID string, conv *Conversation, turns []ConversationTurn) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	// A nested savepoint inside this function's own transaction wraps the
	// conversation + turns insert; the outer transaction also holds the
	// job's conversation_id update, and any error rolls back all of it.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}

	participantsJSON, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	topicsJSON, err := json.Marshal(conv.MainTopics)
	if err != nil {
		return fmt.Errorf("marshal main_topics: %w", err)
	}
	tagsJSON, err := json.Marshal(conv.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = sp.Exec(ctx, `
INSERT INTO conversations (id, title, date, duration_minutes, language, conversation_type, transcript,
    participants, location_name, location_gps, confidence_score, main_topics, tags, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())`,
		conv.ID, conv.Title, conv.Date, conv.DurationMinutes, conv.Language, string(conv.ConversationType),
		conv.Transcript, participantsJSON, conv.LocationName, conv.LocationGPS, conv.ConfidenceScore,
		topicsJSON, tagsJSON)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, t := range turns {
		t.ConversationID = conv.ID
		_, err = sp.Exec(ctx, `
INSERT INTO conversation_turns (conversation_id, turn_index, speaker, text, timestamp_ms)
VALUES ($1,$2,$3,$4,$5)`, t.ConversationID, t.TurnIndex, t.Speaker, t.Text, t.TimestampMs)
		if err != nil {
			_ = sp.Rollback(ctx)
			return fmt.Errorf("insert conversation_turn %d: %w", t.TurnIndex, err)
		}
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("commit savepoint: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE ingestion_jobs SET conversation_id = $1 WHERE id = $2`, conv.ID, jobID)
	if err != nil {
		return fmt.Errorf("link job to conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit persist tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTopics(ctx context.Context, conversationID string, topics []string) error {
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE conversations SET main_topics = $1 WHERE id = $2`, topicsJSON, conversationID)
	if err != nil {
		return fmt.Errorf("set topics: %w", err)
	}
	return nil
}

func (s *PostgresStore) findByID(ctx context.Context, id string) (*IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, stable_event_id, source_bucket, source_key, trace_id, checksum, schema_version,
       status, retry_count, max_retries, created_at, started_at, completed_at, last_error_at,
       error_code, error_message, error_stack, processing_metadata, conversation_id,
       file_size_bytes, processing_duration_ms
FROM ingestion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*IngestionJob, error) {
	var j IngestionJob
	var status string
	var metadataJSON []byte
	if err := row.Scan(
		&j.ID, &j.StableEventID, &j.SourceBucket, &j.SourceKey, &j.TraceID, &j.Checksum, &j.SchemaVersion,
		&status, &j.RetryCount, &j.MaxRetries, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastErrorAt,
		&j.ErrorCode, &j.ErrorMessage, &j.ErrorStack, &metadataJSON, &j.ConversationID,
		&j.FileSizeBytes, &j.ProcessingDurationMs,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &j.ProcessingMetadata)
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return errorContainsCode(err, "23505")
}

func errorContainsCode(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(sqlStater); ok {
			s = st
			break
		}
	}
	return s != nil && s.SQLState() == code
}

var _ Store = (*PostgresStore)(nil)
