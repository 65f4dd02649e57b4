// Package orchestrator implements the ingestion orchestrator (C7): consumer
// group membership, the per-message pipeline, ack/retry/DLQ routing,
// metrics, and graceful shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"audio-ingest-worker/internal/archivefetch"
	"audio-ingest-worker/internal/checksum"
	"audio-ingest-worker/internal/classify"
	"audio-ingest-worker/internal/enrichment"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/metrics"
	"audio-ingest-worker/internal/objectstore"
	"audio-ingest-worker/internal/observability"
	"audio-ingest-worker/internal/payload"
	"audio-ingest-worker/internal/redisstream"
	"audio-ingest-worker/internal/resilience"
	"audio-ingest-worker/internal/wiremsg"
)

var tracer = otel.Tracer("audio-ingest-worker/orchestrator")

// Pipeline wires every collaborator the per-message sequence needs.
type Pipeline struct {
	Consumer      *redisstream.Consumer
	Store         jobstore.Store
	ObjectStore   objectstore.ObjectStore
	Fetcher       *archivefetch.Fetcher
	Collaborator  enrichment.Collaborator
	Breaker       *resilience.Breaker
	MaxRetries    int
	WorkerCount   int
	JobTimeout    time.Duration
}

// Run creates the consumer group (idempotently), then reads batches until
// ctx is cancelled, dispatching each message to a bounded worker pool. It
// returns once every in-flight message has finished.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Consumer.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	workerCount := p.WorkerCount
	if workerCount <= 0 {
		workerCount = 4
	}

	jobs := make(chan redisstream.Message, workerCount*4)

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for msg := range jobs {
				p.handle(ctx, msg)
			}
		}()
	}

	readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}

		batch, err := p.Consumer.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break readLoop
			}
			log.Error().Err(err).Msg("stream read failed")
			continue
		}
		for _, msg := range batch {
			select {
			case jobs <- msg:
			case <-ctx.Done():
				break readLoop
			}
		}
	}

	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// handle runs the full 11-step pipeline for one message and always resolves
// to either an ack or an intentionally-unacked retry.
func (p *Pipeline) handle(ctx context.Context, msg redisstream.Message) {
	ctx, span := tracer.Start(ctx, "ingest.handle")
	defer span.End()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	start := time.Now()
	ackTimer := prometheusTimer(metrics.AckLatency)
	defer ackTimer()

	jobCtx := ctx
	var cancel context.CancelFunc
	if p.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.JobTimeout)
		defer cancel()
	}

	// Step 1: decode.
	drop, err := wiremsg.Decode(msg.Fields)
	if err != nil {
		p.routeDecodeFailure(ctx, msg, err)
		return
	}

	metrics.ObserveTraceIDPresence(drop.TraceID != "")
	logger := observability.LoggerWithTrace(ctx).With().
		Str("stable_event_id", drop.StableEventID).
		Str("trace_id", drop.TraceID).
		Logger()

	if err := drop.CheckFreshness(time.Now()); err != nil {
		p.fail(ctx, jobCtx, msg, nil, drop, err, start, logger)
		return
	}

	// Step 2: look up existing job.
	job, lookupErr := p.Store.FindByStableEventID(jobCtx, drop.StableEventID)
	if lookupErr == nil {
		if job.Status == jobstore.StatusCompleted {
			logger.Info().Msg("duplicate delivery of completed job, ack without reprocessing")
			p.ack(ctx, msg.ID)
			return
		}
		if job.Status == jobstore.StatusFailed && job.RetryCount >= job.MaxRetries {
			logger.Info().Msg("redelivery of exhausted failed job, ack without republishing")
			p.ack(ctx, msg.ID)
			return
		}
	}

	// Step 3: upsert to downloading.
	if job == nil || lookupErr != nil {
		job, err = p.Store.Create(jobCtx, drop.StableEventID, drop.Bucket, drop.Key, jobstore.StatusPending, drop.TraceID, drop.Checksum, drop.SchemaVersion, p.MaxRetries)
		if err != nil {
			p.fail(ctx, jobCtx, msg, job, drop, err, start, logger)
			return
		}
		job, err = p.Store.Advance(jobCtx, job.ID, jobstore.StatusDownloading, jobstore.Patch{})
	} else {
		job, err = p.Store.MarkRetry(jobCtx, job.ID)
	}
	if err != nil {
		p.fail(ctx, jobCtx, msg, job, drop, err, start, logger)
		return
	}

	conv, convErr := p.downloadValidateAndPersist(jobCtx, job, drop, logger)
	if convErr != nil {
		p.fail(ctx, jobCtx, msg, job, drop, convErr, start, logger)
		return
	}

	// Step 9: dispatch enrichment.
	enrichResult := enrichment.Dispatch(jobCtx, conv.payload, conv.jobstoreConv.ID, p.Collaborator)
	metrics.NLPModeTotal.WithLabelValues(string(enrichResult.Mode)).Inc()
	if len(enrichResult.MainTopics) > 0 {
		_ = p.Store.SetTopics(jobCtx, conv.jobstoreConv.ID, enrichResult.MainTopics)
	}

	// Step 10: advance to completed.
	durationMs := time.Since(start).Milliseconds()
	_, err = p.Store.Advance(jobCtx, job.ID, jobstore.StatusCompleted, jobstore.Patch{
		ProcessingMetadata:   enrichResult.ProcessingMetadata,
		ProcessingDurationMs: &durationMs,
	})
	if err != nil {
		p.fail(ctx, jobCtx, msg, job, drop, err, start, logger)
		return
	}

	metrics.SuccessTotal.Inc()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	logger.Info().Dur("duration", time.Since(start)).Msg("ingestion completed")

	// Step 11: ack.
	p.ack(ctx, msg.ID)
}

type persistedConversation struct {
	payload      *payload.Conversation
	jobstoreConv *jobstore.Conversation
}

// downloadValidateAndPersist runs steps 4-8: download/unpack, checksum
// verification, payload validation, and persistence.
func (p *Pipeline) downloadValidateAndPersist(ctx context.Context, job *jobstore.IngestionJob, drop *wiremsg.DropNotification, logger zerolog.Logger) (*persistedConversation, error) {
	var fetched *archivefetch.Fetched
	err := p.Breaker.Call(ctx, func(ctx context.Context) error {
		var fetchErr error
		fetched, fetchErr = p.Fetcher.Fetch(ctx, job.ID, drop.Bucket, drop.Key)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("minio download failed: %w", err)
	}
	defer fetched.Release()

	metrics.DownloadBytes.Observe(float64(fetched.SizeBytes))
	size := fetched.SizeBytes
	_, _ = p.Store.PatchInFlight(ctx, job.ID, jobstore.Patch{FileSizeBytes: &size})

	// Step 5: tarball checksum.
	checksumStart := time.Now()
	if fetched.TarballPath != "" {
		if err := checksum.VerifyFile(fetched.TarballPath, drop.Checksum); err != nil {
			return nil, err
		}
	}

	// Step 6: internal manifest. Archive fetches (ExtractedRoot != "") always
	// carry a checksums.sha256; a missing one is a structurally broken
	// archive, not an optional extra. The legacy standalone-JSON fetch path
	// never had a manifest to begin with and is left alone.
	if fetched.ExtractedRoot != "" && fetched.ManifestPath == "" {
		return nil, fmt.Errorf("checksum_format_invalid: archive missing checksums.sha256 manifest")
	}
	if fetched.ManifestPath != "" {
		if _, err := checksum.VerifyManifest(fetched.ExtractedRoot, fetched.ManifestPath); err != nil {
			return nil, fmt.Errorf("checksum_format_invalid: %w", err)
		}
	}
	metrics.ChecksumDuration.Observe(time.Since(checksumStart).Seconds())

	// Step 7: validate.
	if _, err := p.Store.Advance(ctx, job.ID, jobstore.StatusValidating, jobstore.Patch{}); err != nil {
		return nil, err
	}
	validationStart := time.Now()
	conv, err := parseConversation(fetched.ConversationPath)
	if err != nil {
		return nil, err
	}
	result, err := payload.Validate(conv, drop.StableEventID)
	metrics.ValidationDuration.Observe(time.Since(validationStart).Seconds())
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		logger.Warn().Str("warning", w).Msg("payload validation warning")
	}
	metrics.SegmentsPerConversation.Observe(float64(result.SegmentCount))
	metrics.ParticipantsPerConversation.Observe(float64(result.ParticipantCount))

	// Step 8: persist.
	if _, err := p.Store.Advance(ctx, job.ID, jobstore.StatusEmbedding, jobstore.Patch{}); err != nil {
		return nil, err
	}
	storedConv, turns := toStoredConversation(conv)
	if err := p.Store.PersistConversation(ctx, job.ID, storedConv, turns); err != nil {
		return nil, fmt.Errorf("database_error: %w", err)
	}

	return &persistedConversation{payload: conv, jobstoreConv: storedConv}, nil
}

func parseConversation(path string) (*payload.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversation.json: %w", err)
	}
	var conv payload.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, &payload.ValidationError{Problems: []string{fmt.Sprintf("conversation.json: %v", err)}}
	}
	return &conv, nil
}

// routeDecodeFailure handles fatal C1 decode errors: DLQ without ever
// creating a job row.
func (p *Pipeline) routeDecodeFailure(ctx context.Context, msg redisstream.Message, err error) {
	code := classify.Classify(err)
	metrics.FailuresTotal.WithLabelValues(string(code)).Inc()
	metrics.DLQPublishesTotal.WithLabelValues(string(code)).Inc()

	entry := classify.NewDLQEntry(msg.Fields["stable_event_id"], msg.Fields["trace_id"], err, msg.Fields,
		"", msg.Fields["package_uri"], 0, p.Consumer.DLQStreamName())
	_ = p.Consumer.PublishDLQ(ctx, dlqFields(entry, msg))
	log.Error().Err(err).Msg("decode failure routed to DLQ, no job created")
	p.ack(ctx, msg.ID)
}

// fail routes any failure occurring between steps 3 and 10 through the
// Error Router: classify, persist on the job, publish DLQ, and decide
// ack-vs-leave-pending based on retryability.
func (p *Pipeline) fail(ctx, jobCtx context.Context, msg redisstream.Message, job *jobstore.IngestionJob, drop *wiremsg.DropNotification, err error, start time.Time, logger zerolog.Logger) {
	code := classify.Classify(err)
	metrics.FailuresTotal.WithLabelValues(string(code)).Inc()
	logger.Error().Err(err).Str("error_code", string(code)).Msg("ingestion step failed")

	now := time.Now()
	if job != nil {
		_, _ = p.Store.MarkFailed(jobCtx, job.ID, string(code), err.Error(), "", now)
	}

	retryable := classify.Retryable(code)
	if code == classify.CodeChecksumMismatch && job != nil {
		retryable = classify.ShouldRetryChecksumMismatch(job.RetryCount)
	}

	jobID, retryCount := "", 0
	if job != nil {
		jobID, retryCount = job.ID, job.RetryCount
	}
	entry := classify.NewDLQEntry(drop.StableEventID, drop.TraceID, err, msg.Fields,
		jobID, drop.PackageURI(), retryCount, p.Consumer.DLQStreamName())
	metrics.DLQPublishesTotal.WithLabelValues(string(code)).Inc()
	_ = p.Consumer.PublishDLQ(ctx, dlqFields(entry, msg))

	if retryable {
		metrics.RetriesTotal.WithLabelValues(fmt.Sprintf("%d", drop.RetryCount)).Inc()
		logger.Info().Msg("leaving message unacked for redelivery")
		return
	}
	p.ack(ctx, msg.ID)
}

func (p *Pipeline) ack(ctx context.Context, id string) {
	if err := p.Consumer.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("message_id", id).Msg("ack failed")
	}
}

func dlqFields(entry classify.DLQEntry, msg redisstream.Message) map[string]string {
	encoded, _ := json.Marshal(entry)
	return map[string]string{
		"error_code":      string(entry.Error.Code),
		"stable_event_id": entry.Context.StableEventID,
		"trace_id":        entry.Context.TraceID,
		"payload":         string(encoded),
	}
}

func prometheusTimer(h interface{ Observe(float64) }) func() {
	start := time.Now()
	return func() { h.Observe(time.Since(start).Seconds()) }
}
