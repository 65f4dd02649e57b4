package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"audio-ingest-worker/internal/observability"
)

// RemoteCollaborator calls an external NLP service over HTTP, matching the
// process_conversation(conversation_id, turns[], metadata) contract.
type RemoteCollaborator struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

// NewRemoteCollaborator returns a RemoteCollaborator posting to endpoint.
// client is typically built via observability.NewHTTPClient so calls carry
// the same tracing instrumentation as the rest of the pipeline's outbound
// HTTP traffic.
func NewRemoteCollaborator(client *http.Client, endpoint string, timeout time.Duration) *RemoteCollaborator {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteCollaborator{client: client, endpoint: endpoint, timeout: timeout}
}

type remoteRequest struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []TurnInput    `json:"turns"`
	Metadata       map[string]any `json:"metadata"`
}

type remoteResponse struct {
	NumChunks        int                 `json:"num_chunks"`
	NumEmbeddings    int                 `json:"num_embeddings"`
	Entities         map[string][]string `json:"entities"`
	Persons          []string            `json:"persons"`
	SentimentAnalysis struct {
		Stats struct {
			AvgStars float64 `json:"avg_stars"`
		} `json:"stats"`
	} `json:"sentiment_analysis"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// ProcessConversation implements Collaborator.
func (r *RemoteCollaborator) ProcessConversation(ctx context.Context, conversationID string, turns []TurnInput, metadata map[string]any) (*CollaboratorResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{ConversationID: conversationID, Turns: turns, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("marshal nlp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build nlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nlp collaborator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		evt := log.Warn().Str("conversation_id", conversationID).Int("status", resp.StatusCode)
		if redacted := observability.RedactJSON(errBody); json.Valid(redacted) {
			evt = evt.RawJSON("body", redacted)
		}
		evt.Msg("nlp collaborator returned non-200 response")
		return nil, fmt.Errorf("nlp collaborator returned status %d", resp.StatusCode)
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode nlp response: %w", err)
	}

	return &CollaboratorResult{
		NumChunks:         parsed.NumChunks,
		NumEmbeddings:     parsed.NumEmbeddings,
		Entities:          parsed.Entities,
		Persons:           parsed.Persons,
		SentimentAvgStars: parsed.SentimentAnalysis.Stats.AvgStars,
		ProcessingTimeMs:  parsed.ProcessingTimeMs,
	}, nil
}

var _ Collaborator = (*RemoteCollaborator)(nil)
