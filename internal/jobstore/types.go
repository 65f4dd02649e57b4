// Package jobstore implements the durable job ledger (C5): the
// ingestion_jobs/conversations/conversation_turns tables, their state
// machine, and idempotency by stable event id.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// Status is one state in the IngestionJob state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusValidating  Status = "validating"
	StatusEmbedding   Status = "embedding"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// transitions enumerates every legal Status -> Status edge. Anything not
// listed here is forbidden by Advance and MarkRetry; MarkFailed sets failed
// from any status without consulting this table. There is no
// self-edge for any status; a patch applied while remaining in the same
// status (e.g. recording file_size_bytes partway through downloading) goes
// through PatchInFlight, not Advance.
var transitions = map[Status]map[Status]bool{
	StatusPending:     {StatusDownloading: true, StatusFailed: true},
	StatusDownloading: {StatusValidating: true, StatusFailed: true},
	StatusValidating:  {StatusEmbedding: true, StatusFailed: true},
	StatusEmbedding:   {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:   {},
	StatusFailed:      {StatusDownloading: true},
}

// ErrIllegalTransition is returned when a caller attempts a status change
// the state machine forbids.
var ErrIllegalTransition = errors.New("illegal ingestion job status transition")

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ErrDuplicateEvent is returned by Create when a job already exists for a
// stable event id.
var ErrDuplicateEvent = errors.New("duplicate_event")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("ingestion job not found")

// IngestionJob is the durable per-drop ledger row (C5 entity).
type IngestionJob struct {
	ID                   string
	StableEventID        string
	SourceBucket         string
	SourceKey            string
	TraceID              string
	Checksum             string
	SchemaVersion        string
	Status               Status
	RetryCount           int
	MaxRetries           int
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	LastErrorAt          *time.Time
	ErrorCode            string
	ErrorMessage         string
	ErrorStack           string
	ProcessingMetadata   map[string]any
	ConversationID       string
	FileSizeBytes        *int64
	ProcessingDurationMs *int64
}

// Participant is a stored conversation participant, including any opaque
// voice_matches metadata preserved verbatim from the payload.
type Participant struct {
	SpeakerID   string
	DisplayName string
	Email       string
	Role        string
	Company     string
	Phone       string
	Metadata    map[string]any
}

// ConversationType is derived from participant count.
type ConversationType string

const (
	ConversationMonologue  ConversationType = "monologue"
	ConversationOneToOne   ConversationType = "one_to_one"
	ConversationSmallGroup ConversationType = "small_group"
	ConversationMeeting    ConversationType = "meeting"
)

// DeriveConversationType maps a participant count to its ConversationType.
func DeriveConversationType(participantCount int) ConversationType {
	switch {
	case participantCount <= 1:
		return ConversationMonologue
	case participantCount == 2:
		return ConversationOneToOne
	case participantCount <= 5:
		return ConversationSmallGroup
	default:
		return ConversationMeeting
	}
}

// Conversation is the canonical derived conversation record (C5 entity).
type Conversation struct {
	ID               string
	Title            string
	Date             time.Time
	DurationMinutes  float64
	Language         string
	ConversationType ConversationType
	Transcript       string
	Participants     []Participant
	LocationName     string
	LocationGPS      string
	ConfidenceScore  float64
	MainTopics       []string
	Tags             []string
	CreatedAt        time.Time
}

// ConversationTurn is one row per payload segment, in original order.
type ConversationTurn struct {
	ConversationID string
	TurnIndex      int
	Speaker        string
	Text           string
	TimestampMs    int64
}

// Patch carries a partial update applied atomically with a status advance.
type Patch struct {
	ErrorCode            string
	ErrorMessage         string
	ErrorStack           string
	ProcessingMetadata   map[string]any
	ConversationID       string
	FileSizeBytes        *int64
	ProcessingDurationMs *int64
}

// Store is the C5 job-ledger interface the orchestrator depends on.
type Store interface {
	FindByStableEventID(ctx context.Context, stableEventID string) (*IngestionJob, error)
	Create(ctx context.Context, stableEventID, bucket, key string, initial Status, traceID, checksum, schemaVersion string, maxRetries int) (*IngestionJob, error)
	Advance(ctx context.Context, jobID string, newStatus Status, patch Patch) (*IngestionJob, error)
	PatchInFlight(ctx context.Context, jobID string, patch Patch) (*IngestionJob, error)
	MarkRetry(ctx context.Context, jobID string) (*IngestionJob, error)
	MarkFailed(ctx context.Context, jobID, errorCode, message, stack string, at time.Time) (*IngestionJob, error)
	PersistConversation(ctx context.Context, jobID string, conv *Conversation, turns []ConversationTurn) error
	SetTopics(ctx context.Context, conversationID string, topics []string) error
}
