package payload

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConversation() *Conversation {
	dur := 1800
	return &Conversation{
		SchemaVersion: "1.1",
		StableEventID: "rec-20251003T091500Z-3f9c4241",
		SourceSystem:  "capture-svc",
		CreatedAt:     time.Now().UTC(),
		MeetingMetadata: MeetingMetadata{
			ScheduledStart: time.Now().UTC(),
			DurationSec:    &dur,
		},
		Participants: []Participant{
			{SpeakerID: "spkA", DisplayName: "Alice"},
			{SpeakerID: "spkB", DisplayName: "Bob"},
		},
		Segments: []Segment{
			{SegmentID: "seg1", SpeakerID: "spkA", StartMs: 0, EndMs: 1000, Text: "hello", Language: "en", Confidence: 0.9},
			{SegmentID: "seg2", SpeakerID: "spkB", StartMs: 1000, EndMs: 2000, Text: "hi", Language: "en", Confidence: 0.95},
		},
	}
}

func TestValidate_HappyPath(t *testing.T) {
	t.Parallel()
	c := validConversation()
	res, err := Validate(c, c.StableEventID)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 2, res.SegmentCount)
	assert.Equal(t, 2, res.ParticipantCount)
}

func TestValidate_UnknownSpeakerIDRejected(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.Segments[0].SpeakerID = "spkC"

	_, err := Validate(c, c.StableEventID)
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestValidate_EndBeforeStartRejected(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.Segments[0].EndMs = 0
	c.Segments[0].StartMs = 100

	_, err := Validate(c, c.StableEventID)
	require.Error(t, err)
}

func TestValidate_StableEventIDMismatch(t *testing.T) {
	t.Parallel()
	c := validConversation()
	_, err := Validate(c, "rec-different-id")
	require.Error(t, err)
}

func TestValidate_ChronologyOverlapWarns(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.Segments[1].StartMs = 500 // overlaps seg1's [0,1000)

	res, err := Validate(c, c.StableEventID)
	require.NoError(t, err, "chronology overlap is a warning, not a rejection")
	require.NotEmpty(t, res.Warnings)
}

func TestValidate_PrimaryLanguageMismatchWarns(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.PrimaryLanguage = "fr"

	res, err := Validate(c, c.StableEventID)
	require.NoError(t, err)
	assert.Contains(t, res.Warnings[0], "primary_language")
}

func TestValidate_LowConfidenceFlagInconsistencyWarns(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.QualityFlags = &QualityFlags{LowConfidence: true}

	res, err := Validate(c, c.StableEventID)
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if w == "quality_flags.low_confidence is set but no segment has confidence < 0.7" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_DuplicateSegmentID(t *testing.T) {
	t.Parallel()
	c := validConversation()
	c.Segments[1].SegmentID = c.Segments[0].SegmentID

	_, err := Validate(c, c.StableEventID)
	require.Error(t, err)
}

func TestParticipant_VoiceMatchesPreserved(t *testing.T) {
	t.Parallel()
	p := Participant{
		SpeakerID:   "spkA",
		DisplayName: "Alice",
		Metadata: map[string]any{
			"voice_matches": map[string]any{"vendor": "acme", "score": 0.98},
		},
	}
	v, ok := p.VoiceMatches()
	require.True(t, ok)
	assert.Equal(t, "acme", v.(map[string]any)["vendor"])
}

func TestSegmentAnnotations_HasAnnotations(t *testing.T) {
	t.Parallel()
	assert.False(t, (*SegmentAnnotations)(nil).HasAnnotations())
	assert.False(t, (&SegmentAnnotations{}).HasAnnotations())
	assert.True(t, (&SegmentAnnotations{Entities: []Entity{{Type: EntityPerson, Text: "Alice"}}}).HasAnnotations())
	assert.True(t, (&SegmentAnnotations{Sentiment: &Sentiment{Label: SentimentPositive, Score: 0.8}}).HasAnnotations())
}
