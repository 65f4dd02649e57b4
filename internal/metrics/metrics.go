// Package metrics holds the process-wide Prometheus registry for the
// ingestion worker. Every collector is created once at package init via
// promauto, mirroring the package-level-vars idiom used for network-proxy
// metrics elsewhere in the stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AckLatency measures the time from message delivery to XACK, across
	// both success and terminal-failure paths.
	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_ack_latency_seconds",
		Help:    "time from stream delivery to acknowledgement",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5, 8, 13},
	})

	// ValidationDuration measures time spent in the payload validator.
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_validation_duration_seconds",
		Help:    "time spent validating a conversation payload",
		Buckets: prometheus.DefBuckets,
	})

	// ProcessingDuration measures the full per-message pipeline duration.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_processing_duration_seconds",
		Help:    "end-to-end time to process one drop notification",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	})

	// ChecksumDuration measures time spent verifying the downloaded
	// tarball's checksum and the archive manifest.
	ChecksumDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_checksum_duration_seconds",
		Help:    "time spent verifying archive checksums",
		Buckets: prometheus.DefBuckets,
	})

	// DownloadBytes records the size of each downloaded archive/payload.
	DownloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_download_bytes",
		Help:    "size in bytes of each downloaded object",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	// SegmentsPerConversation records the segment count of each ingested
	// conversation.
	SegmentsPerConversation = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_segments_per_conversation",
		Help:    "number of transcript segments per ingested conversation",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	// ParticipantsPerConversation records the participant count of each
	// ingested conversation.
	ParticipantsPerConversation = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_ingest_participants_per_conversation",
		Help:    "number of participants per ingested conversation",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})

	// FailuresTotal is labelled by classify.Code (as the "reason" label).
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_failures_total",
		Help: "count of failed ingestions by error reason",
	}, []string{"reason"})

	// RetriesTotal is labelled by the retry_count value at the time of
	// the retry.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_retries_total",
		Help: "count of retries by retry_count",
	}, []string{"retry_count"})

	// DLQPublishesTotal is labelled by error_code.
	DLQPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_dlq_publishes_total",
		Help: "count of dead-letter publishes by error_code",
	}, []string{"error_code"})

	// NLPModeTotal is labelled "enriched" | "legacy" | "skipped".
	NLPModeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_nlp_mode_total",
		Help: "count of enrichment dispatch outcomes by mode",
	}, []string{"mode"})

	// TraceIDPresenceTotal is labelled "true" | "false".
	TraceIDPresenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_ingest_trace_id_presence_total",
		Help: "count of processed notifications by whether a trace_id was present",
	}, []string{"present"})

	// SuccessTotal counts successfully completed ingestions.
	SuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_ingest_success_total",
		Help: "count of successfully completed ingestions",
	})

	// InFlight is the current count of messages being processed.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_ingest_in_flight",
		Help: "number of drop notifications currently being processed",
	})
)

// ObserveTraceIDPresence records whether a processed notification carried a
// trace_id, for the SLA dashboard's correlation-coverage panel.
func ObserveTraceIDPresence(present bool) {
	if present {
		TraceIDPresenceTotal.WithLabelValues("true").Inc()
		return
	}
	TraceIDPresenceTotal.WithLabelValues("false").Inc()
}
