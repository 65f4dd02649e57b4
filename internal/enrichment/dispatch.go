// Package enrichment implements the enrichment dispatcher (C6): it picks
// between the enriched (upstream-annotated) and legacy (external NLP
// collaborator) paths, and never lets a failure in either path fail the
// surrounding ingestion.
package enrichment

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"audio-ingest-worker/internal/payload"
)

// Mode records which enrichment path actually ran, for the NLP-mode metric.
type Mode string

const (
	ModeEnriched Mode = "enriched"
	ModeLegacy   Mode = "legacy"
	ModeSkipped  Mode = "skipped"
)

// Collaborator is the external NLP service contract used by the legacy
// path. Implementations MUST NOT be assumed reliable — the dispatcher
// treats any error as a soft failure.
type Collaborator interface {
	ProcessConversation(ctx context.Context, conversationID string, turns []TurnInput, metadata map[string]any) (*CollaboratorResult, error)
}

// TurnInput is one rendered turn handed to the external collaborator.
type TurnInput struct {
	Speaker     string
	Text        string
	TimestampMs int64
}

// CollaboratorResult is the external NLP collaborator's response shape,
// matching its documented contract field for field.
type CollaboratorResult struct {
	NumChunks        int
	NumEmbeddings    int
	Entities         map[string][]string
	Persons          []string
	SentimentAvgStars float64
	ProcessingTimeMs  int64
}

// Result is what the dispatcher hands back to the orchestrator: derived
// topics plus the processing_metadata fragment to merge onto the job.
type Result struct {
	Mode               Mode
	MainTopics         []string
	ProcessingMetadata map[string]any
}

// Dispatch chooses enriched or legacy mode based on whether the first
// segment carries annotations, and falls back from enriched to legacy (or
// to a skipped no-op) on any error.
func Dispatch(ctx context.Context, conv *payload.Conversation, conversationID string, collaborator Collaborator) Result {
	if isEnriched(conv) {
		result, err := dispatchEnriched(conv)
		if err == nil {
			return result
		}
		if collaborator == nil {
			return Result{
				Mode:               ModeSkipped,
				ProcessingMetadata: map[string]any{"nlp_partial": true, "nlp_error": err.Error()},
			}
		}
		legacy := dispatchLegacy(ctx, conv, conversationID, collaborator)
		legacy.ProcessingMetadata["nlp_partial"] = true
		return legacy
	}

	if collaborator == nil {
		return Result{Mode: ModeSkipped, ProcessingMetadata: map[string]any{}}
	}
	return dispatchLegacy(ctx, conv, conversationID, collaborator)
}

// isEnriched reports whether the first segment carries sentiment or
// entity annotations — the mode-selection rule from the component design.
func isEnriched(conv *payload.Conversation) bool {
	if len(conv.Segments) == 0 {
		return false
	}
	return conv.Segments[0].Annotations.HasAnnotations()
}

func dispatchEnriched(conv *payload.Conversation) (Result, error) {
	sentimentCounts := map[payload.SentimentLabel]int{}
	entityCounts := map[payload.EntityType]int{}
	personSet := map[string]int{}

	for _, seg := range conv.Segments {
		if seg.Annotations == nil {
			continue
		}
		if seg.Annotations.Sentiment != nil {
			sentimentCounts[seg.Annotations.Sentiment.Label]++
		}
		for _, ent := range seg.Annotations.Entities {
			entityCounts[ent.Type]++
			if ent.Type == payload.EntityPerson && strings.TrimSpace(ent.Text) != "" {
				personSet[ent.Text]++
			}
		}
	}

	topics := topPersonsByFrequency(personSet, 5)

	if summary, ok := conv.Analytics["sentiment_summary"]; ok {
		if _, ok := summary.(map[string]any); !ok {
			return Result{}, fmt.Errorf("analytics.sentiment_summary: expected an object, got %T", summary)
		}
	}
	entitiesByType := map[string]int{}
	if summary, ok := conv.Analytics["entities_summary"]; ok {
		entities, ok := summary.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("analytics.entities_summary: expected an object, got %T", summary)
		}
		for entityType, v := range entities {
			n, err := summaryLen(v)
			if err != nil {
				return Result{}, fmt.Errorf("analytics.entities_summary[%q]: %w", entityType, err)
			}
			entitiesByType[entityType] = n
		}
	}

	metadata := map[string]any{
		"nlp_source":             "upstream_transcript",
		"sentiment_distribution": sentimentCounts,
		"entity_distribution":    entityCounts,
	}
	if summary, ok := conv.Analytics["sentiment_summary"]; ok {
		metadata["sentiment_summary"] = summary
	}
	if len(entitiesByType) > 0 {
		metadata["entities_by_type"] = entitiesByType
	}

	return Result{
		Mode:               ModeEnriched,
		MainTopics:         topics,
		ProcessingMetadata: metadata,
	}, nil
}

// summaryLen mirrors Python's len(v): strings, arrays, and objects are
// sized; numbers, booleans, and null are not and raise a TypeError there,
// which is the malformed-analytics case an upstream producer can send.
func summaryLen(v any) (int, error) {
	switch val := v.(type) {
	case string:
		return len(val), nil
	case []any:
		return len(val), nil
	case map[string]any:
		return len(val), nil
	default:
		return 0, fmt.Errorf("value has no length (got %T)", v)
	}
}

func dispatchLegacy(ctx context.Context, conv *payload.Conversation, conversationID string, collaborator Collaborator) Result {
	speakerNames := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		speakerNames[p.SpeakerID] = p.DisplayName
	}

	turns := make([]TurnInput, 0, len(conv.Segments))
	for _, seg := range conv.Segments {
		name := speakerNames[seg.SpeakerID]
		if name == "" {
			name = seg.SpeakerID
		}
		turns = append(turns, TurnInput{Speaker: name, Text: seg.Text, TimestampMs: seg.StartMs})
	}

	res, err := collaborator.ProcessConversation(ctx, conversationID, turns, map[string]any{
		"stable_event_id": conv.StableEventID,
		"schema_version":  conv.SchemaVersion,
	})
	if err != nil {
		return Result{
			Mode:               ModeSkipped,
			ProcessingMetadata: map[string]any{"nlp_error": err.Error()},
		}
	}

	topics := res.Persons
	if len(topics) > 5 {
		topics = topics[:5]
	}

	return Result{
		Mode:       ModeLegacy,
		MainTopics: topics,
		ProcessingMetadata: map[string]any{
			"nlp_source":          "local",
			"num_chunks":          res.NumChunks,
			"num_embeddings":      res.NumEmbeddings,
			"entities":            res.Entities,
			"sentiment_avg_stars": res.SentimentAvgStars,
			"processing_time_ms":  res.ProcessingTimeMs,
		},
	}
}

// topPersonsByFrequency returns up to n person names ordered by descending
// mention count, breaking ties alphabetically for determinism.
func topPersonsByFrequency(counts map[string]int, n int) []string {
	type kv struct {
		name  string
		count int
	}
	all := make([]kv, 0, len(counts))
	for name, c := range counts {
		all = append(all, kv{name, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].name < all[j].name
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, kv := range all {
		out[i] = kv.name
	}
	return out
}

// RenderTranscript joins every segment into the stored conversation's
// "<display_name>: <text>" transcript, one line per segment.
func RenderTranscript(conv *payload.Conversation) string {
	speakerNames := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		speakerNames[p.SpeakerID] = p.DisplayName
	}

	lines := make([]string, 0, len(conv.Segments))
	for _, seg := range conv.Segments {
		name := speakerNames[seg.SpeakerID]
		if name == "" {
			name = seg.SpeakerID
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, seg.Text))
	}
	return strings.Join(lines, "\n")
}
