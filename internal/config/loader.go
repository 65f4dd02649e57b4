package config

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from the process environment, applying a local
// .env file first (override semantics) so repository-local dev configuration
// deterministically wins over stale shell exports.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		LogLevel: getenv("LOG_LEVEL", "info"),
		LogPath:  getenv("LOG_PATH", ""),

		OTelEnabled:     getbool("OTEL_ENABLED", false),
		OTelEndpoint:    getenv("OTEL_ENDPOINT", ""),
		OTelInsecure:    getbool("OTEL_INSECURE", true),
		OTelServiceName: getenv("OTEL_SERVICE_NAME", "audio-ingest-worker"),

		Redis: RedisConfig{
			Addr:         getenv("REDIS_ADDR", "localhost:6379"),
			Password:     getenv("REDIS_PASSWORD", ""),
			DB:           getenvInt("REDIS_DB", 0),
			TLSInsecure:  getbool("REDIS_TLS_INSECURE", false),
			Stream:       getenv("REDIS_STREAM", "audio.ingestion"),
			Group:        getenv("REDIS_GROUP", "rag-ingestion"),
			Consumer:     getenv("REDIS_CONSUMER", defaultConsumerName()),
			DLQStream:    getenv("REDIS_DLQ_STREAM", "audio.ingestion.deadletter"),
			BatchSize:    getenvInt("REDIS_BATCH_SIZE", 10),
			BlockTimeout: getenvMillis("REDIS_BLOCK_MS", 5*time.Second),
		},

		S3: S3Config{
			Endpoint:              getenv("S3_ENDPOINT", ""),
			Region:                getenv("S3_REGION", "us-east-1"),
			AccessKey:             getenv("S3_ACCESS_KEY", ""),
			SecretKey:             getenv("S3_SECRET_KEY", ""),
			UsePathStyle:          getbool("S3_USE_PATH_STYLE", true),
			TLSInsecureSkipVerify: getbool("S3_TLS_INSECURE_SKIP_VERIFY", false),
			DefaultBucket:         getenv("S3_BUCKET", ""),
		},

		Database: DatabaseConfig{
			DSN:         getenv("DATABASE_URL", ""),
			MaxConns:    int32(getenvInt("DATABASE_MAX_CONNS", 10)),
			ConnTimeout: getenvDuration("DATABASE_CONN_TIMEOUT", 10*time.Second),
		},

		NLP: NLPConfig{
			Endpoint: getenv("NLP_ENDPOINT", ""),
			Enabled:  getbool("NLP_ENABLED", false),
			Timeout:  getenvDuration("NLP_TIMEOUT", 30*time.Second),
		},

		WorkerCount: getenvInt("WORKER_COUNT", 4),
		MaxRetries:  getenvInt("MAX_RETRIES", 3),
		JobTimeout:  getenvDuration("JOB_TIMEOUT", 10*time.Minute),
		ScratchDir:  getenv("SCRATCH_DIR", defaultScratchDir()),
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMillis reads a plain integer number of milliseconds, used for
// REDIS_BLOCK_MS which mirrors the original's block-ms XREADGROUP argument
// rather than a Go duration string.
func getenvMillis(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

// defaultConsumerName builds a reasonably unique Redis Streams consumer
// identity so several worker processes can share one consumer group.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingest-worker"
	}
	suffix := strconv.Itoa(os.Getpid())
	if u, err := user.Current(); err == nil && u.Username != "" {
		suffix = u.Username + "-" + suffix
	}
	return host + "-" + suffix
}

func defaultScratchDir() string {
	dir := strings.TrimRight(os.TempDir(), "/")
	return dir + "/ingest-scratch"
}
