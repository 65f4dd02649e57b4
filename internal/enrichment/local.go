package enrichment

import (
	"context"
	"regexp"
	"strings"
)

// LocalCollaborator is a lightweight, in-process stand-in for the external
// NLP service: it chunks turns into contiguous fixed-size chunks (the
// Overlap field is not applied by chunk), detects capitalized-word "persons" as a
// crude named-entity pass, and scores sentiment by keyword counting. It
// exists so legacy-mode ingestion can complete end to end in environments
// without a real NLP collaborator configured.
type LocalCollaborator struct {
	ChunkSize int
	Overlap   int
}

// NewLocalCollaborator returns a LocalCollaborator with the fixed-chunk
// defaults.
func NewLocalCollaborator() *LocalCollaborator {
	return &LocalCollaborator{ChunkSize: 512 * 4, Overlap: 0}
}

var capitalizedWordRe = regexp.MustCompile(`\b[A-Z][a-z]+\b`)

var positiveWords = map[string]bool{
	"good": true, "great": true, "thanks": true, "agreed": true, "excellent": true, "happy": true,
}
var negativeWords = map[string]bool{
	"bad": true, "problem": true, "issue": true, "concerned": true, "delay": true, "blocked": true,
}

// ProcessConversation implements Collaborator.
func (l *LocalCollaborator) ProcessConversation(ctx context.Context, conversationID string, turns []TurnInput, metadata map[string]any) (*CollaboratorResult, error) {
	var fullText strings.Builder
	personSet := map[string]bool{}
	var posCount, negCount, totalWords int

	for _, turn := range turns {
		fullText.WriteString(turn.Text)
		fullText.WriteString("\n")

		for _, m := range capitalizedWordRe.FindAllString(turn.Text, -1) {
			personSet[m] = true
		}

		for _, w := range strings.Fields(strings.ToLower(turn.Text)) {
			totalWords++
			if positiveWords[w] {
				posCount++
			}
			if negativeWords[w] {
				negCount++
			}
		}
	}

	chunks := l.chunk(fullText.String())

	avgStars := 3.0
	if posCount+negCount > 0 {
		avgStars = 3.0 + 2.0*float64(posCount-negCount)/float64(posCount+negCount)
		if avgStars < 1 {
			avgStars = 1
		}
		if avgStars > 5 {
			avgStars = 5
		}
	}

	persons := make([]string, 0, len(personSet))
	for name := range personSet {
		persons = append(persons, name)
	}

	return &CollaboratorResult{
		NumChunks:         len(chunks),
		NumEmbeddings:     len(chunks),
		Entities:          map[string][]string{"PERSON": persons},
		Persons:           persons,
		SentimentAvgStars: avgStars,
		ProcessingTimeMs:  0,
	}, nil
}

// chunk splits text into contiguous, whitespace-respecting chunks of
// roughly ChunkSize characters, same fixed-size strategy the rest of the
// stack uses for chunking.
func (l *LocalCollaborator) chunk(text string) []string {
	tgt := l.ChunkSize
	if tgt < 32 {
		tgt = 32
	}
	var out []string
	start := 0
	for start < len(text) {
		end := start + tgt
		if end > len(text) {
			end = len(text)
		} else if i := strings.LastIndex(text[start:end], " "); i > tgt/2 {
			end = start + i
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(text) {
			break
		}
		start = end
	}
	return out
}

var _ Collaborator = (*LocalCollaborator)(nil)
