package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T) (*Consumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewConsumer(client, Config{
		Stream:       "drops",
		Group:        "ingest-workers",
		ConsumerName: "worker-1",
		DLQStream:    "drops-dlq",
		BatchSize:    10,
		BlockFor:     100 * time.Millisecond,
	})
	return c, client
}

func TestEnsureGroup_CreatesAndTolerateExisting(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx))
}

func TestReadBatch_AckAndPending(t *testing.T) {
	t.Parallel()
	c, client := newTestConsumer(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "drops",
		Values: map[string]any{"stable_event_id": "rec-1"},
	}).Result()
	require.NoError(t, err)

	msgs, err := c.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "rec-1", msgs[0].Fields["stable_event_id"])

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	require.NoError(t, c.Ack(ctx, msgs[0].ID))

	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending)
}

func TestPublishDLQ(t *testing.T) {
	t.Parallel()
	c, client := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, c.PublishDLQ(ctx, map[string]string{
		"error_code":      "validation_error",
		"stable_event_id": "rec-1",
		"trace_id":        "trace-1",
	}))

	res, err := client.XRange(ctx, "drops-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "validation_error", res[0].Values["error_code"])
}

func TestReadBatch_EmptyOnTimeout(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsumer(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	msgs, err := c.ReadBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
