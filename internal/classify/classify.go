// Package classify implements the Error Router: it maps an arbitrary
// failure encountered anywhere in the ingestion pipeline onto one member of
// the closed error-code set, decides whether that code is retryable, and
// attaches the fixed remediation hint operators see on the DLQ entry.
//
// Classification is centralised here on purpose — no other package is
// allowed to inspect error text to decide a code.
package classify

import (
	"errors"
	"strings"
	"time"

	"audio-ingest-worker/internal/checksum"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/objectstore"
	"audio-ingest-worker/internal/payload"
	"audio-ingest-worker/internal/wiremsg"
)

// dlqSource identifies this worker in every published DLQ entry's
// dlq_metadata.source field.
const dlqSource = "audio-ingest-worker"

// Code is one member of the closed error-code set from the pipeline's
// error handling design.
type Code string

const (
	CodeValidationError        Code = "validation_error"
	CodeInvalidAudioFormat     Code = "invalid_audio_format"
	CodeMissingRequiredField   Code = "missing_required_field"
	CodeInvalidSchemaVersion   Code = "invalid_schema_version"
	CodeChecksumMismatch       Code = "checksum_mismatch"
	CodeChecksumFormatInvalid  Code = "checksum_format_invalid"
	CodeDuplicateEvent         Code = "duplicate_event"
	CodeProcessingFailure      Code = "processing_failure"
	CodeIngestionTimeout       Code = "ingestion_timeout"
	CodeStorageError           Code = "storage_error"
	CodeDatabaseError          Code = "database_error"
	CodeMinioDownloadFailed    Code = "minio_download_failed"
	CodeRedisPublishFailed     Code = "redis_publish_failed"
	CodeQdrantError            Code = "qdrant_error"
	CodePayloadExpired         Code = "payload_expired"
	CodeInternalServerError    Code = "internal_server_error"
)

// retryable is the fixed set of codes the orchestrator should leave unacked
// for broker redelivery rather than routing straight to a terminal failure.
// checksum_mismatch is intentionally included: the pipeline retries it
// exactly once before treating a second occurrence as terminal, see
// ShouldRetryChecksumMismatch.
var retryable = map[Code]bool{
	CodeProcessingFailure:   true,
	CodeIngestionTimeout:    true,
	CodeStorageError:        true,
	CodeDatabaseError:       true,
	CodeMinioDownloadFailed: true,
	CodeRedisPublishFailed:  true,
	CodeQdrantError:         true,
	CodeChecksumMismatch:    true,
}

// Retryable reports whether code belongs to the retryable set.
func Retryable(code Code) bool {
	return retryable[code]
}

// remediationHints is the fixed code -> operator-facing hint table. Every
// code in the closed set has exactly one entry.
var remediationHints = map[Code]string{
	CodeValidationError:       "fix payload and republish within 24h",
	CodeInvalidAudioFormat:    "fix payload and republish within 24h",
	CodeMissingRequiredField:  "fix payload and republish within 24h",
	CodeInvalidSchemaVersion:  "fix payload and republish within 24h",
	CodeChecksumMismatch:      "rebuild archive with correct checksums and republish",
	CodeChecksumFormatInvalid: "rebuild archive with correct checksums and republish",
	CodeDuplicateEvent:        "investigate duplication; resend only if new transcript",
	CodeProcessingFailure:     "automatic retry will occur",
	CodeIngestionTimeout:      "automatic retry will occur",
	CodeStorageError:          "platform team investigating infrastructure issue",
	CodeDatabaseError:         "platform team investigating infrastructure issue",
	CodeMinioDownloadFailed:   "platform team investigating infrastructure issue",
	CodeRedisPublishFailed:    "platform team investigating infrastructure issue",
	CodeQdrantError:           "platform team investigating infrastructure issue",
	CodePayloadExpired:        "archive older than 72h; produce fresh drop",
	CodeInternalServerError:   "contact support with trace_id",
}

// RemediationHint returns the fixed hint for code. Unknown codes (should
// not occur given the closed set) fall back to the internal_server_error
// hint.
func RemediationHint(code Code) string {
	if hint, ok := remediationHints[code]; ok {
		return hint
	}
	return remediationHints[CodeInternalServerError]
}

// substringRules is evaluated in order against the lower-cased error
// message when no structural classification (errors.As/errors.Is) applies.
// Order matters: more specific fragments are checked before generic ones.
var substringRules = []struct {
	code     Code
	fragment []string
}{
	{CodeChecksumFormatInvalid, []string{"checksum_format_invalid"}},
	{CodeChecksumMismatch, []string{"checksum", "mismatch"}},
	{CodeDuplicateEvent, []string{"duplicate"}},
	{CodeDuplicateEvent, []string{"already exists"}},
	{CodeValidationError, []string{"validation"}},
	{CodeMinioDownloadFailed, []string{"minio"}},
	{CodeMinioDownloadFailed, []string{"s3"}},
	{CodeQdrantError, []string{"qdrant"}},
	{CodeDatabaseError, []string{"database"}},
	{CodeDatabaseError, []string{"integrity"}},
	{CodeDatabaseError, []string{"operational"}},
	{CodeIngestionTimeout, []string{"timeout"}},
}

// Classify inspects err's structural type first (via errors.As/errors.Is
// against the pipeline's own sentinel error types), then falls back to a
// case-insensitive substring match against the error's message, and
// finally defaults to processing_failure for anything unrecognised.
func Classify(err error) Code {
	if err == nil {
		return CodeProcessingFailure
	}

	if code, ok := classifyStructural(err); ok {
		return code
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if containsAll(msg, rule.fragment) {
			return rule.code
		}
	}

	return CodeProcessingFailure
}

func classifyStructural(err error) (Code, bool) {
	var mismatch *checksum.MismatchError
	if errors.As(err, &mismatch) {
		return CodeChecksumMismatch, true
	}

	var valErr *payload.ValidationError
	if errors.As(err, &valErr) {
		return CodeValidationError, true
	}

	var wireErr *wiremsg.ValidationError
	if errors.As(err, &wireErr) {
		return CodeValidationError, true
	}

	if errors.Is(err, wiremsg.ErrExpired) {
		return CodePayloadExpired, true
	}

	if errors.Is(err, jobstore.ErrDuplicateEvent) {
		return CodeDuplicateEvent, true
	}
	if errors.Is(err, jobstore.ErrIllegalTransition) {
		return CodeInternalServerError, true
	}

	if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrAccessDenied) || errors.Is(err, objectstore.ErrBucketMissing) {
		return CodeMinioDownloadFailed, true
	}

	return "", false
}

func containsAll(haystack string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(haystack, f) {
			return false
		}
	}
	return true
}

// DLQEntry is the record published to the dead-letter stream for every
// routed failure, retryable ones included, matching the original ingestion
// service's publish_to_dlq payload shape field for field.
type DLQEntry struct {
	OriginalMessage map[string]string `json:"original_message,omitempty"`
	Error           ErrorDetail       `json:"error"`
	Remediation     Remediation       `json:"remediation"`
	Context         ErrorContext      `json:"context"`
	DLQMetadata     DLQMetadata       `json:"dlq_metadata"`
}

// ErrorDetail carries the classified failure itself.
type ErrorDetail struct {
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stack_trace,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Remediation is the operator-facing hint attached to every DLQ entry, plus
// whether the orchestrator already retried (or will retry) this failure on
// its own.
type Remediation struct {
	Hint      string `json:"hint"`
	Retryable bool   `json:"retryable"`
}

// ErrorContext carries the identifiers an operator needs to find the
// affected job and replay it after remediation.
type ErrorContext struct {
	StableEventID string `json:"external_event_id"`
	TraceID       string `json:"trace_id"`
	JobID         string `json:"job_id,omitempty"`
	PackageURI    string `json:"package_uri,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// DLQMetadata records where and when the entry was published.
type DLQMetadata struct {
	Stream      string    `json:"stream"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}

// NewDLQEntry builds a DLQEntry for err, classifying it and attaching the
// matching remediation hint. jobID and packageURI may be empty when the
// failure occurred before a job row existed (decode failures).
func NewDLQEntry(stableEventID, traceID string, err error, originalDrop map[string]string, jobID, packageURI string, retryCount int, dlqStream string) DLQEntry {
	code := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now().UTC()
	return DLQEntry{
		OriginalMessage: originalDrop,
		Error: ErrorDetail{
			Code:      code,
			Message:   msg,
			Timestamp: now,
		},
		Remediation: Remediation{
			Hint:      RemediationHint(code),
			Retryable: Retryable(code),
		},
		Context: ErrorContext{
			StableEventID: stableEventID,
			TraceID:       traceID,
			JobID:         jobID,
			PackageURI:    packageURI,
			RetryCount:    retryCount,
		},
		DLQMetadata: DLQMetadata{
			Stream:      dlqStream,
			PublishedAt: now,
			Source:      dlqSource,
		},
	}
}

// ShouldRetryChecksumMismatch implements the belt-and-braces rule: a
// checksum_mismatch is retried exactly once (retryCount == 0 at the time of
// the failure), and treated as terminal on any subsequent occurrence.
func ShouldRetryChecksumMismatch(retryCountBeforeThisFailure int) bool {
	return retryCountBeforeThisFailure == 0
}
