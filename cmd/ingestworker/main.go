package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"audio-ingest-worker/internal/archivefetch"
	"audio-ingest-worker/internal/config"
	"audio-ingest-worker/internal/enrichment"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/objectstore"
	"audio-ingest-worker/internal/observability"
	"audio-ingest-worker/internal/orchestrator"
	"audio-ingest-worker/internal/redisstream"
	"audio-ingest-worker/internal/resilience"
	"audio-ingest-worker/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ingestworker")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.OTelEnabled {
		observability.InitLogger(cfg.LogPath, cfg.LogLevel, cfg.OTelServiceName)
	} else {
		observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	}

	baseCtx := context.Background()

	shutdown, err := observability.InitOTel(baseCtx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	pool, err := jobstore.OpenPool(baseCtx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()
	store := jobstore.NewPostgresStore(pool)

	objStore, err := objectstore.NewS3Store(baseCtx, cfg.S3,
		objectstore.WithHTTPClient(observability.NewHTTPClient(nil)))
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	fetcher, err := archivefetch.New(objStore, cfg.ScratchDir)
	if err != nil {
		return fmt.Errorf("init archive fetcher: %w", err)
	}
	if swept, err := archivefetch.SweepOrphans(cfg.ScratchDir, time.Hour); err != nil {
		log.Warn().Err(err).Msg("startup scratch sweep failed")
	} else if swept > 0 {
		log.Info().Int("swept", swept).Msg("swept orphaned scratch directories from a prior crash")
	}

	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.TLSInsecure {
		redisOpts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis client")
		}
	}()

	consumer := redisstream.NewConsumer(redisClient, redisstream.Config{
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.Group,
		ConsumerName: cfg.Redis.Consumer,
		DLQStream:    cfg.Redis.DLQStream,
		BatchSize:    int64(cfg.Redis.BatchSize),
		BlockFor:     cfg.Redis.BlockTimeout,
	})
	defer consumer.Close()

	var collaborator enrichment.Collaborator
	if cfg.NLP.Enabled && cfg.NLP.Endpoint != "" {
		httpClient := observability.NewHTTPClient(&http.Client{Timeout: cfg.NLP.Timeout})
		collaborator = enrichment.NewRemoteCollaborator(httpClient, cfg.NLP.Endpoint, cfg.NLP.Timeout)
		log.Info().Str("endpoint", cfg.NLP.Endpoint).Msg("legacy enrichment path wired to remote collaborator")
	} else {
		collaborator = enrichment.NewLocalCollaborator()
		log.Info().Msg("legacy enrichment path wired to local in-process collaborator")
	}

	pipeline := &orchestrator.Pipeline{
		Consumer:     consumer,
		Store:        store,
		ObjectStore:  objStore,
		Fetcher:      fetcher,
		Collaborator: collaborator,
		Breaker:      resilience.NewBreaker(resilience.DefaultBreakerOpts),
		MaxRetries:   cfg.MaxRetries,
		WorkerCount:  cfg.WorkerCount,
		JobTimeout:   cfg.JobTimeout,
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("version", version.Version).
		Str("stream", cfg.Redis.Stream).
		Str("group", cfg.Redis.Group).
		Int("workers", cfg.WorkerCount).
		Dur("jobTimeout", cfg.JobTimeout).
		Msg("starting ingestion worker")

	if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline terminated: %w", err)
	}

	log.Info().Msg("ingestion worker stopped")
	return nil
}
