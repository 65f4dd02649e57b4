package orchestrator

import (
	"fmt"

	"audio-ingest-worker/internal/enrichment"
	"audio-ingest-worker/internal/jobstore"
	"audio-ingest-worker/internal/payload"
)

// toStoredConversation derives the C5 Conversation/ConversationTurn rows
// from a validated ConversationPayload, per the data model's derivation
// rules (duration, conversation_type, confidence_score, transcript).
func toStoredConversation(conv *payload.Conversation) (*jobstore.Conversation, []jobstore.ConversationTurn) {
	participants := make([]jobstore.Participant, len(conv.Participants))
	for i, p := range conv.Participants {
		participants[i] = jobstore.Participant{
			SpeakerID:   p.SpeakerID,
			DisplayName: p.DisplayName,
			Email:       p.Email,
			Role:        p.Role,
			Company:     p.Company,
			Phone:       p.Phone,
			Metadata:    p.Metadata,
		}
	}

	turns := make([]jobstore.ConversationTurn, len(conv.Segments))
	speakerNames := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		speakerNames[p.SpeakerID] = p.DisplayName
	}
	var confidenceSum float64
	for i, seg := range conv.Segments {
		name := speakerNames[seg.SpeakerID]
		if name == "" {
			name = seg.SpeakerID
		}
		turns[i] = jobstore.ConversationTurn{
			TurnIndex:   i,
			Speaker:     name,
			Text:        seg.Text,
			TimestampMs: seg.StartMs,
		}
		confidenceSum += seg.Confidence
	}

	confidenceScore := 1.0
	if len(conv.Segments) > 0 {
		confidenceScore = confidenceSum / float64(len(conv.Segments))
	}

	durationMinutes := deriveDurationMinutes(conv)

	language := conv.PrimaryLanguage
	if language == "" && len(conv.Segments) > 0 {
		language = conv.Segments[0].Language
	}

	var locationName, locationGPS string
	if loc := conv.MeetingMetadata.Location; loc != nil {
		locationName = loc.DisplayName
		if loc.Lat != nil && loc.Lon != nil {
			locationGPS = fmt.Sprintf("%f,%f", *loc.Lat, *loc.Lon)
		}
	}

	stored := &jobstore.Conversation{
		Title:            conv.MeetingMetadata.Title,
		Date:             conv.MeetingMetadata.ScheduledStart,
		DurationMinutes:  durationMinutes,
		Language:         language,
		ConversationType: jobstore.DeriveConversationType(len(conv.Participants)),
		Transcript:       enrichment.RenderTranscript(conv),
		Participants:     participants,
		LocationName:     locationName,
		LocationGPS:      locationGPS,
		ConfidenceScore:  confidenceScore,
		Tags:             conv.Tags,
	}
	return stored, turns
}

func deriveDurationMinutes(conv *payload.Conversation) float64 {
	meta := conv.MeetingMetadata
	if meta.DurationSec != nil {
		return float64(*meta.DurationSec) / 60.0
	}
	if meta.EndAt != nil {
		return meta.EndAt.Sub(meta.ScheduledStart).Minutes()
	}
	return 0
}
