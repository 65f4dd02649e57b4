package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(StatusPending, StatusDownloading))
	assert.True(t, CanTransition(StatusFailed, StatusDownloading))
	assert.False(t, CanTransition(StatusCompleted, StatusDownloading))
	assert.False(t, CanTransition(StatusPending, StatusEmbedding))
}

func TestDeriveConversationType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ConversationMonologue, DeriveConversationType(1))
	assert.Equal(t, ConversationOneToOne, DeriveConversationType(2))
	assert.Equal(t, ConversationSmallGroup, DeriveConversationType(5))
	assert.Equal(t, ConversationMeeting, DeriveConversationType(6))
}

func TestMemoryStore_CreateAndDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "sha256:abc", "1.1", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	_, err = s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "sha256:abc", "1.1", 3)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestMemoryStore_AdvanceEnforcesStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 3)
	require.NoError(t, err)

	_, err = s.Advance(ctx, job.ID, StatusEmbedding, Patch{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = s.Advance(ctx, job.ID, StatusDownloading, Patch{})
	require.NoError(t, err)
}

func TestMemoryStore_PatchInFlightBypassesStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 3)
	require.NoError(t, err)
	_, err = s.Advance(ctx, job.ID, StatusDownloading, Patch{})
	require.NoError(t, err)

	size := int64(4096)
	patched, err := s.PatchInFlight(ctx, job.ID, Patch{FileSizeBytes: &size})
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, patched.Status)
	require.NotNil(t, patched.FileSizeBytes)
	assert.Equal(t, size, *patched.FileSizeBytes)

	found, err := s.FindByStableEventID(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, found.FileSizeBytes)
	assert.Equal(t, size, *found.FileSizeBytes)
}

func TestMemoryStore_MarkRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 3)
	require.NoError(t, err)
	_, err = s.Advance(ctx, job.ID, StatusDownloading, Patch{})
	require.NoError(t, err)
	_, err = s.Advance(ctx, job.ID, StatusFailed, Patch{ErrorCode: "processing_failure"})
	require.NoError(t, err)

	retried, err := s.MarkRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestMemoryStore_MarkRetryRefusesAtMaxRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 0)
	require.NoError(t, err)
	_, err = s.Advance(ctx, job.ID, StatusDownloading, Patch{})
	require.NoError(t, err)
	_, err = s.Advance(ctx, job.ID, StatusFailed, Patch{})
	require.NoError(t, err)

	_, err = s.MarkRetry(ctx, job.ID)
	assert.Error(t, err)
}

func TestMemoryStore_PersistConversationAndTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 3)
	require.NoError(t, err)

	conv := &Conversation{
		Title:            "standup",
		Date:             time.Now().UTC(),
		ConversationType: ConversationOneToOne,
		ConfidenceScore:  0.93,
	}
	turns := []ConversationTurn{
		{TurnIndex: 0, Speaker: "Alice", Text: "hi", TimestampMs: 0},
		{TurnIndex: 1, Speaker: "Bob", Text: "hello", TimestampMs: 500},
	}

	require.NoError(t, s.PersistConversation(ctx, job.ID, conv, turns))

	stored, ok := s.Conversation(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "standup", stored.Title)

	storedTurns := s.Turns(conv.ID)
	require.Len(t, storedTurns, 2)
	assert.Equal(t, "Alice", storedTurns[0].Speaker)

	found, err := s.FindByStableEventID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ConversationID)
}

func TestMemoryStore_SetTopics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := s.Create(ctx, "rec-1", "bucket", "key", StatusPending, "", "", "", 3)
	require.NoError(t, err)

	conv := &Conversation{ConversationType: ConversationMonologue}
	require.NoError(t, s.PersistConversation(ctx, job.ID, conv, nil))

	require.NoError(t, s.SetTopics(ctx, conv.ID, []string{"Alice", "Bob"}))
	stored, _ := s.Conversation(conv.ID)
	assert.Equal(t, []string{"Alice", "Bob"}, stored.MainTopics)
}
