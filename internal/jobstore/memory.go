package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by pipeline tests; it enforces
// the same state machine and unique-constraint semantics as PostgresStore.
type MemoryStore struct {
	mu            sync.Mutex
	jobsByID      map[string]*IngestionJob
	jobsByEventID map[string]string
	conversations map[string]*Conversation
	turns         map[string][]ConversationTurn
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobsByID:      make(map[string]*IngestionJob),
		jobsByEventID: make(map[string]string),
		conversations: make(map[string]*Conversation),
		turns:         make(map[string][]ConversationTurn),
	}
}

func cloneJob(j *IngestionJob) *IngestionJob {
	cp := *j
	return &cp
}

func (m *MemoryStore) FindByStableEventID(ctx context.Context, stableEventID string) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.jobsByEventID[stableEventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(m.jobsByID[id]), nil
}

func (m *MemoryStore) Create(ctx context.Context, stableEventID, bucket, key string, initial Status, traceID, checksum, schemaVersion string, maxRetries int) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobsByEventID[stableEventID]; exists {
		return nil, ErrDuplicateEvent
	}

	job := &IngestionJob{
		ID:            uuid.NewString(),
		StableEventID: stableEventID,
		SourceBucket:  bucket,
		SourceKey:     key,
		TraceID:       traceID,
		Checksum:      checksum,
		SchemaVersion: schemaVersion,
		Status:        initial,
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now().UTC(),
	}
	m.jobsByID[job.ID] = job
	m.jobsByEventID[stableEventID] = job.ID
	return cloneJob(job), nil
}

func (m *MemoryStore) Advance(ctx context.Context, jobID string, newStatus Status, patch Patch) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobsByID[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(job.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, newStatus)
	}

	job.Status = newStatus
	if patch.ErrorCode != "" {
		job.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		job.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorStack != "" {
		job.ErrorStack = patch.ErrorStack
	}
	if patch.ProcessingMetadata != nil {
		job.ProcessingMetadata = patch.ProcessingMetadata
	}
	if patch.ConversationID != "" {
		job.ConversationID = patch.ConversationID
	}
	if patch.FileSizeBytes != nil {
		job.FileSizeBytes = patch.FileSizeBytes
	}
	if patch.ProcessingDurationMs != nil {
		job.ProcessingDurationMs = patch.ProcessingDurationMs
	}
	if newStatus == StatusCompleted {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return cloneJob(job), nil
}

// PatchInFlight applies patch fields to a job without any status transition,
// bypassing CanTransition entirely since the status is not changing.
func (m *MemoryStore) PatchInFlight(ctx context.Context, jobID string, patch Patch) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobsByID[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.ErrorCode != "" {
		job.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		job.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorStack != "" {
		job.ErrorStack = patch.ErrorStack
	}
	if patch.ProcessingMetadata != nil {
		job.ProcessingMetadata = patch.ProcessingMetadata
	}
	if patch.ConversationID != "" {
		job.ConversationID = patch.ConversationID
	}
	if patch.FileSizeBytes != nil {
		job.FileSizeBytes = patch.FileSizeBytes
	}
	if patch.ProcessingDurationMs != nil {
		job.ProcessingDurationMs = patch.ProcessingDurationMs
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) MarkRetry(ctx context.Context, jobID string) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobsByID[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(job.Status, StatusDownloading) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, StatusDownloading)
	}
	if job.RetryCount >= job.MaxRetries {
		return nil, fmt.Errorf("retry_count %d already at max_retries %d", job.RetryCount, job.MaxRetries)
	}

	job.Status = StatusDownloading
	job.RetryCount++
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = nil
	return cloneJob(job), nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, jobID, errorCode, message, stack string, at time.Time) (*IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobsByID[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	job.Status = StatusFailed
	job.ErrorCode = errorCode
	job.ErrorMessage = message
	job.ErrorStack = stack
	job.LastErrorAt = &at
	return cloneJob(job), nil
}

func (m *MemoryStore) PersistConversation(ctx context.Context, jobID string, conv *Conversation, turns []ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt = time.Now().UTC()

	m.conversations[conv.ID] = conv
	storedTurns := make([]ConversationTurn, len(turns))
	for i, t := range turns {
		t.ConversationID = conv.ID
		storedTurns[i] = t
	}
	m.turns[conv.ID] = storedTurns
	job.ConversationID = conv.ID
	return nil
}

func (m *MemoryStore) SetTopics(ctx context.Context, conversationID string, topics []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.MainTopics = topics
	return nil
}

// Conversation exposes a stored conversation for test assertions.
func (m *MemoryStore) Conversation(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	return c, ok
}

// Turns exposes stored turns for test assertions.
func (m *MemoryStore) Turns(conversationID string) []ConversationTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[conversationID]
}

var _ Store = (*MemoryStore)(nil)
