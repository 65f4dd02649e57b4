package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"audio-ingest-worker/internal/checksum"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/objectstore"
	"audio-ingest-worker/internal/payload"
	"audio-ingest-worker/internal/wiremsg"
)

func TestClassify_Structural(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeChecksumMismatch, Classify(&checksum.MismatchError{Path: "x", Expected: "a", Actual: "b"}))
	assert.Equal(t, CodeValidationError, Classify(&payload.ValidationError{Problems: []string{"bad"}}))
	assert.Equal(t, CodeValidationError, Classify(&wiremsg.ValidationError{Problems: []string{"bad"}}))
	assert.Equal(t, CodeDuplicateEvent, Classify(jobstore.ErrDuplicateEvent))
	assert.Equal(t, CodeMinioDownloadFailed, Classify(objectstore.ErrNotFound))
	assert.Equal(t, CodePayloadExpired, Classify(wiremsg.ErrExpired))
}

func TestClassify_SubstringFallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeMinioDownloadFailed, Classify(errors.New("MinIO connection refused")))
	assert.Equal(t, CodeQdrantError, Classify(errors.New("qdrant upsert failed")))
	assert.Equal(t, CodeDatabaseError, Classify(errors.New("database integrity violation")))
	assert.Equal(t, CodeIngestionTimeout, Classify(errors.New("context deadline exceeded: timeout")))
	assert.Equal(t, CodeDuplicateEvent, Classify(errors.New("row already exists")))
	assert.Equal(t, CodeChecksumFormatInvalid, Classify(errors.New("checksum_format_invalid: archive missing checksums.sha256 manifest")))
}

func TestClassify_DefaultsToProcessingFailure(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CodeProcessingFailure, Classify(errors.New("something exploded")))
	assert.Equal(t, CodeProcessingFailure, Classify(nil))
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, Retryable(CodeProcessingFailure))
	assert.True(t, Retryable(CodeChecksumMismatch))
	assert.False(t, Retryable(CodeValidationError))
	assert.False(t, Retryable(CodeDuplicateEvent))
}

func TestRemediationHint(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "rebuild archive with correct checksums and republish", RemediationHint(CodeChecksumMismatch))
	assert.Equal(t, "fix payload and republish within 24h", RemediationHint(CodeValidationError))
	assert.Equal(t, "contact support with trace_id", RemediationHint(CodeInternalServerError))
	assert.Equal(t, "contact support with trace_id", RemediationHint(Code("unknown_code")))
}

func TestNewDLQEntry(t *testing.T) {
	t.Parallel()
	entry := NewDLQEntry("rec-1", "trace-1", errors.New("minio timeout"), map[string]string{"a": "b"}, "job-1", "minio://drops/rec-1.tar.gz", 2, "drops-dlq")
	assert.Equal(t, CodeMinioDownloadFailed, entry.Error.Code)
	assert.Equal(t, "platform team investigating infrastructure issue", entry.Remediation.Hint)
	assert.True(t, entry.Remediation.Retryable)
	assert.Equal(t, "rec-1", entry.Context.StableEventID)
	assert.Equal(t, "trace-1", entry.Context.TraceID)
	assert.Equal(t, "job-1", entry.Context.JobID)
	assert.Equal(t, "minio://drops/rec-1.tar.gz", entry.Context.PackageURI)
	assert.Equal(t, 2, entry.Context.RetryCount)
	assert.Equal(t, "drops-dlq", entry.DLQMetadata.Stream)
	assert.Equal(t, dlqSource, entry.DLQMetadata.Source)
	assert.False(t, entry.DLQMetadata.PublishedAt.IsZero())
}

func TestNewDLQEntry_NonRetryableCode(t *testing.T) {
	t.Parallel()
	entry := NewDLQEntry("rec-2", "trace-2", &payload.ValidationError{Problems: []string{"bad"}}, nil, "", "", 0, "drops-dlq")
	assert.False(t, entry.Remediation.Retryable)
}

func TestShouldRetryChecksumMismatch(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldRetryChecksumMismatch(0))
	assert.False(t, ShouldRetryChecksumMismatch(1))
}
