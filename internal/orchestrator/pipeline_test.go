package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"audio-ingest-worker/internal/archivefetch"
	"audio-ingest-worker/internal/enrichment"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/objectstore"
	"audio-ingest-worker/internal/redisstream"
	"audio-ingest-worker/internal/resilience"
)

// buildTarGz packs files into an in-memory tar.gz archive for exercising the
// archive-fetch path without a real object store fixture on disk.
func buildTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const validChecksum = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func conversationFixture(t *testing.T, stableEventID string) []byte {
	t.Helper()
	doc := map[string]any{
		"schema_version":  "1.1",
		"stable_event_id": stableEventID,
		"source_system":   "test-harness",
		"created_at":      "2026-07-30T10:00:00Z",
		"meeting_metadata": map[string]any{
			"scheduled_start": "2026-07-30T09:00:00Z",
			"duration_sec":    600,
			"title":           "standup",
		},
		"participants": []map[string]any{
			{"speaker_id": "spkA", "display_name": "Alice"},
			{"speaker_id": "spkB", "display_name": "Bob"},
		},
		"segments": []map[string]any{
			{"segment_id": "s1", "speaker_id": "spkA", "text": "hello Bob", "start_ms": 0, "end_ms": 1000, "confidence": 0.95},
			{"segment_id": "s2", "speaker_id": "spkB", "text": "hi Alice", "start_ms": 1000, "end_ms": 2000, "confidence": 0.9},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func dropFields(stableEventID, bucket, key string, overrides map[string]string) map[string]string {
	fields := map[string]string{
		"stable_event_id": stableEventID,
		"package_uri":     "minio://" + bucket + "/" + key,
		"checksum":        validChecksum,
		"schema_version":  "1.1",
		"produced_at":     time.Now().UTC().Format(time.RFC3339),
		"trace_id":        "trace-" + stableEventID,
	}
	for k, v := range overrides {
		fields[k] = v
	}
	return fields
}

type testHarness struct {
	pipeline *Pipeline
	store    *jobstore.MemoryStore
	objects  *objectstore.MemoryStore
	client   *redis.Client
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	consumer := redisstream.NewConsumer(client, redisstream.Config{
		Stream:       "drops",
		Group:        "ingest-workers",
		ConsumerName: "worker-1",
		DLQStream:    "drops-dlq",
		BatchSize:    10,
		BlockFor:     100 * time.Millisecond,
	})

	objects := objectstore.NewMemoryStore()
	fetcher, err := archivefetch.New(objects, t.TempDir())
	require.NoError(t, err)

	store := jobstore.NewMemoryStore()

	p := &Pipeline{
		Consumer:     consumer,
		Store:        store,
		ObjectStore:  objects,
		Fetcher:      fetcher,
		Collaborator: enrichment.NewLocalCollaborator(),
		Breaker:      resilience.NewBreaker(resilience.DefaultBreakerOpts),
		MaxRetries:   3,
		WorkerCount:  1,
		JobTimeout:   5 * time.Second,
	}

	require.NoError(t, consumer.EnsureGroup(context.Background()))

	return &testHarness{pipeline: p, store: store, objects: objects, client: client}
}

func TestPipeline_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.objects.Put("drops", "rec-1.json", conversationFixture(t, "rec-1"), "application/json")
	fields := dropFields("rec-1", "drops", "rec-1.json", nil)

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	job, err := h.store.FindByStableEventID(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
	require.NotEmpty(t, job.ConversationID)

	conv, ok := h.store.Conversation(job.ConversationID)
	require.True(t, ok)
	require.Equal(t, jobstore.ConversationOneToOne, conv.ConversationType)

	pending, err := h.pipeline.Consumer.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending)
}

func TestPipeline_RedeliveryOfCompletedJobIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.objects.Put("drops", "rec-2.json", conversationFixture(t, "rec-2"), "application/json")
	fields := dropFields("rec-2", "drops", "rec-2.json", nil)

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})
	job, err := h.store.FindByStableEventID(ctx, "rec-2")
	require.NoError(t, err)
	firstConversationID := job.ConversationID

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-2", Fields: fields})
	job, err = h.store.FindByStableEventID(ctx, "rec-2")
	require.NoError(t, err)
	require.Equal(t, firstConversationID, job.ConversationID)
}

func TestPipeline_ValidationFailureRoutesToFailedNoRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.objects.Put("drops", "rec-3.json", []byte(`{"schema_version":"1.1"}`), "application/json")
	fields := dropFields("rec-3", "drops", "rec-3.json", nil)

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	job, err := h.store.FindByStableEventID(ctx, "rec-3")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, job.Status)
	require.Equal(t, "validation_error", job.ErrorCode)

	res, err := h.client.XRange(ctx, "drops-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestPipeline_DecodeFailureNeverCreatesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	fields := map[string]string{"stable_event_id": "rec-4"}
	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	_, err := h.store.FindByStableEventID(ctx, "rec-4")
	require.ErrorIs(t, err, jobstore.ErrNotFound)

	res, err := h.client.XRange(ctx, "drops-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestPipeline_ExpiredDropRoutesToPayloadExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.objects.Put("drops", "rec-5.json", conversationFixture(t, "rec-5"), "application/json")
	fields := dropFields("rec-5", "drops", "rec-5.json", map[string]string{
		"produced_at": time.Now().Add(-100 * time.Hour).UTC().Format(time.RFC3339),
	})

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	_, err := h.store.FindByStableEventID(ctx, "rec-5")
	require.ErrorIs(t, err, jobstore.ErrNotFound)

	res, err := h.client.XRange(ctx, "drops-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "payload_expired", res[0].Values["error_code"])
}

func TestPipeline_EnrichmentFallsBackToSkippedOnCollaboratorFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.pipeline.Collaborator = failingCollaborator{}

	h.objects.Put("drops", "rec-6.json", conversationFixture(t, "rec-6"), "application/json")
	fields := dropFields("rec-6", "drops", "rec-6.json", nil)

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	job, err := h.store.FindByStableEventID(ctx, "rec-6")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
	require.NotEmpty(t, job.ProcessingMetadata["nlp_error"])
}

func TestPipeline_TarGzMissingManifestFailsAsChecksumFormatInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	archive := buildTarGz(t, map[string][]byte{
		"conversation.json": conversationFixture(t, "rec-7"),
	})
	sum := sha256.Sum256(archive)
	checksum := "sha256:" + hex.EncodeToString(sum[:])

	h.objects.Put("drops", "rec-7.tar.gz", archive, "application/gzip")
	fields := dropFields("rec-7", "drops", "rec-7.tar.gz", map[string]string{"checksum": checksum})

	h.pipeline.handle(ctx, redisstream.Message{ID: "1-1", Fields: fields})

	job, err := h.store.FindByStableEventID(ctx, "rec-7")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, job.Status)
	require.Equal(t, "checksum_format_invalid", job.ErrorCode)
}

type failingCollaborator struct{}

func (failingCollaborator) ProcessConversation(ctx context.Context, conversationID string, turns []enrichment.TurnInput, metadata map[string]any) (*enrichment.CollaboratorResult, error) {
	return nil, context.DeadlineExceeded
}
