// Package payload implements the canonical conversation.json schema (C4):
// structural validation, cross-reference checks, and business-rule
// warnings, grounded on the strict Pydantic model the archive format was
// distilled from.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// strictUnmarshal decodes data into v, rejecting any field absent from v's
// type. conversation.json's nested objects come from an external producer;
// an unrecognized key there is a malformed document, not a forward-compatible
// extension.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// SentimentLabel is the closed set of per-segment sentiment labels.
type SentimentLabel string

const (
	SentimentVeryPositive SentimentLabel = "very_positive"
	SentimentPositive     SentimentLabel = "positive"
	SentimentNeutral      SentimentLabel = "neutral"
	SentimentNegative     SentimentLabel = "negative"
	SentimentVeryNegative SentimentLabel = "very_negative"
	SentimentMixed        SentimentLabel = "mixed"
)

var validSentimentLabels = map[SentimentLabel]bool{
	SentimentVeryPositive: true,
	SentimentPositive:     true,
	SentimentNeutral:      true,
	SentimentNegative:     true,
	SentimentVeryNegative: true,
	SentimentMixed:        true,
}

// EntityType is the closed set of named-entity categories.
type EntityType string

const (
	EntityPerson EntityType = "PERSON"
	EntityOrg    EntityType = "ORG"
	EntityLoc    EntityType = "LOC"
	EntityDate   EntityType = "DATE"
	EntityTime   EntityType = "TIME"
	EntityMoney  EntityType = "MONEY"
	EntityMisc   EntityType = "MISC"
)

var validEntityTypes = map[EntityType]bool{
	EntityPerson: true,
	EntityOrg:    true,
	EntityLoc:    true,
	EntityDate:   true,
	EntityTime:   true,
	EntityMoney:  true,
	EntityMisc:   true,
}

// Location is a meeting's optional geographic/venue metadata.
type Location struct {
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Address     string   `json:"address,omitempty"`
	Floor       string   `json:"floor,omitempty"`
	Room        string   `json:"room,omitempty"`
}

// UnmarshalJSON rejects any field not in Location's schema.
func (l *Location) UnmarshalJSON(data []byte) error {
	type alias Location
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	*l = Location(a)
	return nil
}

// MeetingMetadata describes the scheduling context of the conversation.
type MeetingMetadata struct {
	ScheduledStart time.Time  `json:"scheduled_start"`
	Title          string     `json:"title,omitempty"`
	DurationSec    *int       `json:"duration_sec,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Location       *Location  `json:"location,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	Organizer      string     `json:"organizer,omitempty"`
	Agenda         string     `json:"agenda,omitempty"`
}

// UnmarshalJSON rejects any field not in MeetingMetadata's schema.
func (m *MeetingMetadata) UnmarshalJSON(data []byte) error {
	type alias MeetingMetadata
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("meeting_metadata: %w", err)
	}
	*m = MeetingMetadata(a)
	return nil
}

// Participant is one meeting attendee, keyed within the payload by
// SpeakerID.
type Participant struct {
	SpeakerID   string         `json:"speaker_id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email,omitempty"`
	Role        string         `json:"role,omitempty"`
	Company     string         `json:"company,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// VoiceMatches extracts the opaque voice-identification blob from a
// participant's metadata, if present. It is returned verbatim and must be
// preserved byte-for-byte through storage.
func (p Participant) VoiceMatches() (any, bool) {
	if p.Metadata == nil {
		return nil, false
	}
	v, ok := p.Metadata["voice_matches"]
	return v, ok
}

// UnmarshalJSON rejects any field not in Participant's schema. Metadata, a
// free-form bag, is still accepted as-is.
func (p *Participant) UnmarshalJSON(data []byte) error {
	type alias Participant
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	*p = Participant(a)
	return nil
}

// Sentiment is a per-segment sentiment annotation (v1.1+).
type Sentiment struct {
	Label SentimentLabel `json:"label"`
	Score float64        `json:"score"`
	Stars *int           `json:"stars,omitempty"`
}

// UnmarshalJSON rejects any field not in Sentiment's schema.
func (s *Sentiment) UnmarshalJSON(data []byte) error {
	type alias Sentiment
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("sentiment: %w", err)
	}
	*s = Sentiment(a)
	return nil
}

// Entity is a per-segment named-entity annotation (v1.1+).
type Entity struct {
	Type       EntityType `json:"type"`
	Text       string     `json:"text"`
	StartChar  *int       `json:"start_char,omitempty"`
	EndChar    *int       `json:"end_char,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// UnmarshalJSON rejects any field not in Entity's schema.
func (e *Entity) UnmarshalJSON(data []byte) error {
	type alias Entity
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("entity: %w", err)
	}
	*e = Entity(a)
	return nil
}

// SegmentAnnotations carries the optional upstream NLP output attached to a
// segment. Its presence (sentiment or non-empty entities) on the first
// segment is what the enrichment dispatcher uses to pick the "enriched"
// mode.
type SegmentAnnotations struct {
	Sentiment *Sentiment `json:"sentiment,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
}

// HasAnnotations reports whether a is non-nil and carries sentiment or at
// least one entity.
func (a *SegmentAnnotations) HasAnnotations() bool {
	return a != nil && (a.Sentiment != nil || len(a.Entities) > 0)
}

// UnmarshalJSON rejects any field not in SegmentAnnotations's schema.
func (a *SegmentAnnotations) UnmarshalJSON(data []byte) error {
	type alias SegmentAnnotations
	var v alias
	if err := strictUnmarshal(data, &v); err != nil {
		return fmt.Errorf("annotations: %w", err)
	}
	*a = SegmentAnnotations(v)
	return nil
}

// Segment is one transcribed utterance.
type Segment struct {
	SegmentID    string              `json:"segment_id"`
	SpeakerID    string              `json:"speaker_id"`
	StartMs      int64               `json:"start_ms"`
	EndMs        int64               `json:"end_ms"`
	Text         string              `json:"text"`
	Language     string              `json:"language"`
	Confidence   float64             `json:"confidence"`
	Channel      *int                `json:"channel,omitempty"`
	DurationMs   *int64              `json:"duration_ms,omitempty"`
	OffsetMs     *int64              `json:"offset_ms,omitempty"`
	SpeakerLabel string              `json:"speaker_label,omitempty"`
	Annotations  *SegmentAnnotations `json:"annotations,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// UnmarshalJSON rejects any field not in Segment's schema. Metadata, a
// free-form bag, is still accepted as-is.
func (s *Segment) UnmarshalJSON(data []byte) error {
	type alias Segment
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	*s = Segment(a)
	return nil
}

// QualityFlags surfaces known data-quality caveats about the recording.
type QualityFlags struct {
	LowConfidence     bool `json:"low_confidence,omitempty"`
	MissingAudio      bool `json:"missing_audio,omitempty"`
	OverlappingSpeech bool `json:"overlapping_speech,omitempty"`
}

// UnmarshalJSON rejects any field not in QualityFlags's schema.
func (q *QualityFlags) UnmarshalJSON(data []byte) error {
	type alias QualityFlags
	var a alias
	if err := strictUnmarshal(data, &a); err != nil {
		return fmt.Errorf("quality_flags: %w", err)
	}
	*q = QualityFlags(a)
	return nil
}

// Conversation is the root conversation.json document (C4's input).
type Conversation struct {
	SchemaVersion   string          `json:"schema_version"`
	StableEventID   string          `json:"stable_event_id"`
	SourceSystem    string          `json:"source_system"`
	CreatedAt       time.Time       `json:"created_at"`
	MeetingMetadata MeetingMetadata `json:"meeting_metadata"`
	Participants    []Participant   `json:"participants"`
	Segments        []Segment       `json:"segments"`
	QualityFlags    *QualityFlags   `json:"quality_flags,omitempty"`
	Analytics       map[string]any  `json:"analytics,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	PrimaryLanguage string          `json:"primary_language,omitempty"`
	Attachments     []string        `json:"attachments,omitempty"`
}
