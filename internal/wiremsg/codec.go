// Package wiremsg implements the wire-message codec (C1): decoding a raw
// Redis Streams message (a map of string fields) into a validated
// DropNotification, grounded on the drop schema's field-level contract.
package wiremsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"audio-ingest-worker/internal/checksum"
)

// unmarshalStrict decodes data into v, rejecting any field not present on
// v's type — a nested object carrying an unexpected key is a malformed
// drop, not a forward-compatible one.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Priority is the closed set of notification priorities.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Producer identifies the upstream service (and optional instance) that
// emitted a drop notification.
type Producer struct {
	Service  string `json:"service"`
	Instance string `json:"instance,omitempty"`
}

// DropNotification is the decoded stream message (C1 output).
type DropNotification struct {
	StableEventID string
	Bucket        string
	Key           string
	Checksum      string
	SchemaVersion string
	RetryCount    int
	ProducedAt    time.Time
	Priority      Priority
	Producer      *Producer
	Metadata      map[string]any
	TraceID       string
}

// PackageURI reconstructs the minio:// URI, mostly for logging.
func (d DropNotification) PackageURI() string {
	return fmt.Sprintf("minio://%s/%s", d.Bucket, d.Key)
}

// ValidationError reports one or more malformed/missing wire fields. It is
// always fatal and always maps to the "validation_error" code.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid drop notification: %s", strings.Join(e.Problems, "; "))
}

var schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)

const maxRetryCount = 10

// Decode parses a raw Redis Streams message (string field -> string value,
// as returned by XREADGROUP) into a DropNotification.
func Decode(fields map[string]string) (*DropNotification, error) {
	var problems []string

	stableEventID := strings.TrimSpace(fields["stable_event_id"])
	if stableEventID == "" {
		problems = append(problems, "stable_event_id is required")
	}

	packageURI := strings.TrimSpace(fields["package_uri"])
	bucket, key, uriErr := parsePackageURI(packageURI)
	if uriErr != nil {
		problems = append(problems, uriErr.Error())
	}

	chk := checksum.Canonicalize(fields["checksum"])
	if !checksum.ValidFormat(chk) {
		problems = append(problems, fmt.Sprintf("checksum %q is not a valid sha256:<hex> value", fields["checksum"]))
	}

	schemaVersion := strings.TrimSpace(fields["schema_version"])
	if !schemaVersionRe.MatchString(schemaVersion) {
		problems = append(problems, fmt.Sprintf("schema_version %q does not match MAJOR.MINOR", schemaVersion))
	}

	retryCount := 0
	if raw, ok := fields["retry_count"]; ok && raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 || n > maxRetryCount {
			problems = append(problems, fmt.Sprintf("retry_count %q must be an integer in [0,%d]", raw, maxRetryCount))
		} else {
			retryCount = n
		}
	}

	var producedAt time.Time
	if raw := strings.TrimSpace(fields["produced_at"]); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("produced_at %q is not RFC3339", raw))
		} else {
			producedAt = t.UTC()
		}
	} else {
		problems = append(problems, "produced_at is required")
	}

	priority := PriorityNormal
	if raw := strings.TrimSpace(fields["priority"]); raw != "" {
		switch Priority(raw) {
		case PriorityNormal, PriorityHigh:
			priority = Priority(raw)
		default:
			problems = append(problems, fmt.Sprintf("priority %q must be normal or high", raw))
		}
	}

	var producer *Producer
	if raw := fields["producer"]; raw != "" {
		var p Producer
		if err := unmarshalStrict([]byte(raw), &p); err != nil {
			problems = append(problems, fmt.Sprintf("producer is not valid JSON: %v", err))
		} else {
			producer = &p
		}
	}

	var metadata map[string]any
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			problems = append(problems, fmt.Sprintf("metadata is not valid JSON: %v", err))
		}
	}

	traceID := ""
	if metadata != nil {
		if v, ok := metadata["trace_id"].(string); ok {
			traceID = v
		}
	}
	if raw := strings.TrimSpace(fields["trace_id"]); raw != "" {
		traceID = raw
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return &DropNotification{
		StableEventID: stableEventID,
		Bucket:        bucket,
		Key:           key,
		Checksum:      chk,
		SchemaVersion: schemaVersion,
		RetryCount:    retryCount,
		ProducedAt:    producedAt,
		Priority:      priority,
		Producer:      producer,
		Metadata:      metadata,
		TraceID:       traceID,
	}, nil
}

// parsePackageURI parses a "minio://<bucket>/<key>" URI into its bucket and
// key parts.
func parsePackageURI(raw string) (bucket, key string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("package_uri is required")
	}
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", fmt.Errorf("package_uri %q is not a valid URI: %w", raw, parseErr)
	}
	if u.Scheme != "minio" {
		return "", "", fmt.Errorf("package_uri %q must use the minio:// scheme", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("package_uri %q has an empty bucket", raw)
	}
	if key == "" {
		return "", "", fmt.Errorf("package_uri %q has an empty key", raw)
	}
	return bucket, key, nil
}

// IsHighPriority reports whether d should jump ahead of normal-priority
// traffic in a priority-aware consumer.
func (d DropNotification) IsHighPriority() bool {
	return d.Priority == PriorityHigh
}

// ShouldRetry reports whether d has not yet exhausted maxRetries.
func (d DropNotification) ShouldRetry(maxRetries int) bool {
	return d.RetryCount < maxRetries
}

// freshnessWindow is the enforced drop age limit referenced by the
// payload_expired remediation hint. Resolves the open question of whether
// the 72h rule is enforced: it is, here, at decode time.
const freshnessWindow = 72 * time.Hour

// ErrExpired is returned by CheckFreshness when a notification is older
// than the freshness window.
var ErrExpired = fmt.Errorf("drop notification older than %s", freshnessWindow)

// CheckFreshness reports whether d is within the freshness window as of
// now, returning ErrExpired when it is not. Callers route that error to the
// payload_expired error code.
func (d DropNotification) CheckFreshness(now time.Time) error {
	if now.Sub(d.ProducedAt) > freshnessWindow {
		return ErrExpired
	}
	return nil
}
