// Package config holds the ingestion worker's runtime configuration.
package config

import "time"

// Duration is a plain alias kept for readability in struct field types below.
type Duration = time.Duration

// RedisConfig configures the Redis Streams connection used both for reading
// drop notifications and for publishing dead-letter entries.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	TLSInsecure  bool
	Stream       string
	Group        string
	Consumer     string
	DLQStream    string
	BatchSize    int
	BlockTimeout Duration
}

// S3Config configures the MinIO/S3-compatible object store archives are
// fetched from.
type S3Config struct {
	Endpoint              string
	Region                string
	AccessKey             string
	SecretKey             string
	UsePathStyle          bool
	TLSInsecureSkipVerify bool
	DefaultBucket         string
}

// DatabaseConfig configures the Postgres-backed job/conversation store.
type DatabaseConfig struct {
	DSN         string
	MaxConns    int32
	ConnTimeout Duration
}

// NLPConfig configures the optional external NLP collaborator used by the
// legacy enrichment path.
type NLPConfig struct {
	Endpoint string
	Enabled  bool
	Timeout  Duration
}

// Config is the ingestion worker's top level configuration, assembled by
// Load from the process environment.
type Config struct {
	LogLevel string
	LogPath  string

	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelServiceName string

	Redis    RedisConfig
	S3       S3Config
	Database DatabaseConfig
	NLP      NLPConfig

	WorkerCount int
	MaxRetries  int
	JobTimeout  Duration
	ScratchDir  string
}
