package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipant_UnmarshalJSON_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"speaker_id":"spkA","display_name":"Alice","unexpected_field":"x"}`)
	var p Participant
	err := json.Unmarshal(raw, &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "participant")
}

func TestSegment_UnmarshalJSON_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"segment_id":"s1","speaker_id":"spkA","text":"hi","bogus":1}`)
	var s Segment
	err := json.Unmarshal(raw, &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment")
}

func TestSentiment_UnmarshalJSON_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"label":"positive","score":0.5,"extra":true}`)
	var s Sentiment
	err := json.Unmarshal(raw, &s)
	require.Error(t, err)
}

func TestEntity_UnmarshalJSON_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"type":"PERSON","text":"Bob","score":1}`)
	var e Entity
	err := json.Unmarshal(raw, &e)
	require.Error(t, err)
}

func TestLocation_UnmarshalJSON_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"display_name":"HQ","planet":"earth"}`)
	var l Location
	err := json.Unmarshal(raw, &l)
	require.Error(t, err)
}

func TestMeetingMetadata_UnmarshalJSON_NestedLocationStillStrict(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"scheduled_start":"2026-07-30T09:00:00Z","duration_sec":600,"location":{"display_name":"HQ","planet":"earth"}}`)
	var m MeetingMetadata
	err := json.Unmarshal(raw, &m)
	require.Error(t, err)
}

func TestConversation_UnmarshalJSON_RejectsUnknownNestedField(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"schema_version": "1.1",
		"stable_event_id": "rec-1",
		"source_system": "test",
		"created_at": "2026-07-30T09:00:00Z",
		"meeting_metadata": {"scheduled_start": "2026-07-30T09:00:00Z", "duration_sec": 600},
		"participants": [{"speaker_id": "spkA", "display_name": "Alice", "extra_field": "boom"}],
		"segments": [{"segment_id": "s1", "speaker_id": "spkA", "text": "hi", "language": "en", "confidence": 0.9}]
	}`)
	var conv Conversation
	err := json.Unmarshal(raw, &conv)
	require.Error(t, err)
}
