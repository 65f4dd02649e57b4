// Package redisstream is a thin transport wrapper over a Redis Streams
// consumer group: group bootstrap, batched XREADGROUP reads, XACK, and DLQ
// publication. It knows nothing about drop notifications or ingestion
// semantics — that belongs to wiremsg and the orchestrator.
package redisstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Message is one delivered stream entry, carrying enough identity to ack it
// later.
type Message struct {
	ID     string
	Fields map[string]string
}

// Consumer reads a Redis Streams consumer group in batches and republishes
// failed drops to a DLQ stream.
type Consumer struct {
	client       *redis.Client
	stream       string
	group        string
	consumerName string
	dlqStream    string
	batchSize    int64
	blockFor     time.Duration
}

// Config bundles the parameters needed to construct a Consumer.
type Config struct {
	Stream       string
	Group        string
	ConsumerName string
	DLQStream    string
	BatchSize    int64
	BlockFor     time.Duration
}

// NewConsumer wraps an existing go-redis client. The caller owns the
// client's lifecycle (including Close).
func NewConsumer(client *redis.Client, cfg Config) *Consumer {
	return &Consumer{
		client:       client,
		stream:       cfg.Stream,
		group:        cfg.Group,
		consumerName: cfg.ConsumerName,
		dlqStream:    cfg.DLQStream,
		batchSize:    cfg.BatchSize,
		blockFor:     cfg.BlockFor,
	}
}

// EnsureGroup creates the consumer group at the tail of the stream,
// tolerating the BUSYGROUP error when it already exists (the common case on
// every restart after the first).
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ReadBatch blocks for up to the configured duration and returns the next
// batch of undelivered messages for this consumer. An empty, nil-error
// result means the block elapsed with nothing new.
func (c *Consumer) ReadBatch(ctx context.Context) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockFor,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			fields := make(map[string]string, len(entry.Values))
			for k, v := range entry.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			out = append(out, Message{ID: entry.ID, Fields: fields})
		}
	}
	return out, nil
}

// Ack acknowledges a successfully (or terminally) handled message, removing
// it from the group's pending-entries list.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

// PublishDLQ appends an entry to the dead-letter stream. fields MUST
// include error_code, stable_event_id, and trace_id so operators can index
// on them without parsing the payload.
func (c *Consumer) PublishDLQ(ctx context.Context, fields map[string]string) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlqStream,
		Values: values,
	}).Err()
}

// DLQStreamName returns the stream this consumer publishes dead-lettered
// entries to, for callers that need to stamp it onto the DLQ payload itself.
func (c *Consumer) DLQStreamName() string {
	return c.dlqStream
}

// Pending returns the number of messages currently pending (delivered but
// unacked) for this consumer's group.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	summary, err := c.client.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, err
	}
	return summary.Count, nil
}

// Close logs and releases nothing beyond the underlying client, which the
// caller owns; kept as a lifecycle hook for symmetry with other
// collaborators.
func (c *Consumer) Close() {
	log.Debug().Str("stream", c.stream).Str("group", c.group).Msg("redis stream consumer closed")
}
