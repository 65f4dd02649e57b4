package payload

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports one or more fatal structural or cross-reference
// problems found in a Conversation document. It is always terminal
// ("validation_error"); business-rule problems are reported as Warnings on
// a successful Result instead.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("conversation payload invalid: %s", strings.Join(e.Problems, "; "))
}

var schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)

// Result is the outcome of a successful (non-fatal) validation pass: the
// document is structurally sound and its cross-references resolve, but it
// may carry business-rule warnings.
type Result struct {
	Warnings []string

	SegmentCount     int
	ParticipantCount int
	DurationSec      int
	QualityFlags     *QualityFlags
}

// Validate runs all three layers described by the ingestion contract:
// structural schema, cross-references, then business rules. The first two
// layers return a *ValidationError on any failure; the third layer never
// fails, only warns.
func Validate(c *Conversation, expectedStableEventID string) (*Result, error) {
	var problems []string

	if !schemaVersionRe.MatchString(c.SchemaVersion) {
		problems = append(problems, fmt.Sprintf("schema_version %q does not match MAJOR.MINOR", c.SchemaVersion))
	}
	if c.StableEventID == "" {
		problems = append(problems, "stable_event_id is required")
	} else if expectedStableEventID != "" && c.StableEventID != expectedStableEventID {
		problems = append(problems, fmt.Sprintf("stable_event_id %q does not match notification %q", c.StableEventID, expectedStableEventID))
	}
	if c.SourceSystem == "" {
		problems = append(problems, "source_system is required")
	}
	if c.CreatedAt.IsZero() {
		problems = append(problems, "created_at is required")
	}

	problems = append(problems, validateMeetingMetadata(c.MeetingMetadata)...)
	problems = append(problems, validateParticipants(c.Participants)...)
	problems = append(problems, validateSegments(c.Segments)...)

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	// Layer 2: cross-references (speaker_id resolution, segment_id uniqueness).
	speakerIDs := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		speakerIDs[p.SpeakerID] = true
	}

	segmentIDs := make(map[string]bool, len(c.Segments))
	for _, s := range c.Segments {
		if !speakerIDs[s.SpeakerID] {
			problems = append(problems, fmt.Sprintf("segment %q references unknown speaker_id %q", s.SegmentID, s.SpeakerID))
		}
		if segmentIDs[s.SegmentID] {
			problems = append(problems, fmt.Sprintf("duplicate segment_id %q", s.SegmentID))
		}
		segmentIDs[s.SegmentID] = true
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	// Layer 3: business rules. These only ever produce warnings.
	res := &Result{
		SegmentCount:     len(c.Segments),
		ParticipantCount: len(c.Participants),
		QualityFlags:     c.QualityFlags,
	}
	if c.MeetingMetadata.DurationSec != nil {
		res.DurationSec = *c.MeetingMetadata.DurationSec
	} else if c.MeetingMetadata.EndAt != nil {
		res.DurationSec = int(c.MeetingMetadata.EndAt.Sub(c.MeetingMetadata.ScheduledStart).Seconds())
	}

	res.Warnings = append(res.Warnings, checkChronology(c.Segments)...)
	res.Warnings = append(res.Warnings, checkPrimaryLanguage(c)...)
	res.Warnings = append(res.Warnings, checkLowConfidenceConsistency(c)...)

	return res, nil
}

func validateMeetingMetadata(m MeetingMetadata) []string {
	var problems []string
	if m.ScheduledStart.IsZero() {
		problems = append(problems, "meeting_metadata.scheduled_start is required")
	}
	if m.DurationSec == nil && m.EndAt == nil {
		problems = append(problems, "meeting_metadata requires duration_sec or end_at")
	}
	if m.DurationSec != nil && (*m.DurationSec < 1 || *m.DurationSec > 86400) {
		problems = append(problems, fmt.Sprintf("meeting_metadata.duration_sec %d out of range [1,86400]", *m.DurationSec))
	}
	if loc := m.Location; loc != nil {
		if loc.Lat != nil && (*loc.Lat < -90 || *loc.Lat > 90) {
			problems = append(problems, fmt.Sprintf("location.lat %f out of range [-90,90]", *loc.Lat))
		}
		if loc.Lon != nil && (*loc.Lon < -180 || *loc.Lon > 180) {
			problems = append(problems, fmt.Sprintf("location.lon %f out of range [-180,180]", *loc.Lon))
		}
	}
	return problems
}

func validateParticipants(participants []Participant) []string {
	var problems []string
	if len(participants) == 0 {
		problems = append(problems, "participants must contain at least one entry")
		return problems
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.SpeakerID == "" {
			problems = append(problems, "participant.speaker_id is required")
			continue
		}
		if seen[p.SpeakerID] {
			problems = append(problems, fmt.Sprintf("duplicate participant speaker_id %q", p.SpeakerID))
		}
		seen[p.SpeakerID] = true
		if p.DisplayName == "" {
			problems = append(problems, fmt.Sprintf("participant %q missing display_name", p.SpeakerID))
		}
	}
	return problems
}

func validateSegments(segments []Segment) []string {
	var problems []string
	if len(segments) == 0 {
		problems = append(problems, "segments must contain at least one entry")
		return problems
	}
	for _, s := range segments {
		if s.SegmentID == "" {
			problems = append(problems, "segment.segment_id is required")
		}
		if s.SpeakerID == "" {
			problems = append(problems, fmt.Sprintf("segment %q missing speaker_id", s.SegmentID))
		}
		if s.EndMs < s.StartMs {
			problems = append(problems, fmt.Sprintf("segment %q end_ms (%d) < start_ms (%d)", s.SegmentID, s.EndMs, s.StartMs))
		}
		if strings.TrimSpace(s.Text) == "" {
			problems = append(problems, fmt.Sprintf("segment %q text must be non-empty", s.SegmentID))
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			problems = append(problems, fmt.Sprintf("segment %q confidence %f out of range [0,1]", s.SegmentID, s.Confidence))
		}
		if ann := s.Annotations; ann != nil && ann.Sentiment != nil {
			if !validSentimentLabels[ann.Sentiment.Label] {
				problems = append(problems, fmt.Sprintf("segment %q has unknown sentiment label %q", s.SegmentID, ann.Sentiment.Label))
			}
			if ann.Sentiment.Score < 0 || ann.Sentiment.Score > 1 {
				problems = append(problems, fmt.Sprintf("segment %q sentiment score %f out of range [0,1]", s.SegmentID, ann.Sentiment.Score))
			}
			if ann.Sentiment.Stars != nil && (*ann.Sentiment.Stars < 1 || *ann.Sentiment.Stars > 5) {
				problems = append(problems, fmt.Sprintf("segment %q sentiment stars %d out of range [1,5]", s.SegmentID, *ann.Sentiment.Stars))
			}
		}
		if ann := s.Annotations; ann != nil {
			for _, e := range ann.Entities {
				if !validEntityTypes[e.Type] {
					problems = append(problems, fmt.Sprintf("segment %q has unknown entity type %q", s.SegmentID, e.Type))
				}
			}
		}
	}
	return problems
}

// checkChronology warns (never rejects) when segments overlap in time.
func checkChronology(segments []Segment) []string {
	var warnings []string
	for i := 1; i < len(segments); i++ {
		if segments[i].StartMs < segments[i-1].EndMs {
			warnings = append(warnings, fmt.Sprintf(
				"segment %q starts at %dms before prior segment %q ends at %dms",
				segments[i].SegmentID, segments[i].StartMs, segments[i-1].SegmentID, segments[i-1].EndMs))
		}
	}
	return warnings
}

func checkPrimaryLanguage(c *Conversation) []string {
	if c.PrimaryLanguage == "" {
		return nil
	}
	for _, s := range c.Segments {
		if strings.EqualFold(s.Language, c.PrimaryLanguage) {
			return nil
		}
	}
	return []string{fmt.Sprintf("primary_language %q does not appear among segment languages", c.PrimaryLanguage)}
}

func checkLowConfidenceConsistency(c *Conversation) []string {
	if c.QualityFlags == nil || !c.QualityFlags.LowConfidence {
		return nil
	}
	for _, s := range c.Segments {
		if s.Confidence < 0.7 {
			return nil
		}
	}
	return []string{"quality_flags.low_confidence is set but no segment has confidence < 0.7"}
}
