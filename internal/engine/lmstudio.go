package engine

import (
	"context"
	"net/http"
)

// LmStudio adapts an LM Studio local server, which exposes only the
// OpenAI-compatible surface on localhost:1234.
type LmStudio struct {
	openAICompat
}

// NewLmStudio creates an adapter for one LM Studio instance.
func NewLmStudio(id, baseURL string, client *http.Client) *LmStudio {
	if baseURL == "" {
		baseURL = "http://localhost:1234"
	}
	return &LmStudio{openAICompat{
		id:          id,
		api:         newHTTPAPI(baseURL, client),
		healthPaths: []string{"/v1/models"},
	}}
}

func (l *LmStudio) ID() string { return l.id }

func (l *LmStudio) Kind() Kind { return KindLmStudio }

func (l *LmStudio) Capabilities() Capabilities {
	return Capabilities{Chat: true, ChatStream: true, Embeddings: true}
}

func (l *LmStudio) HealthCheck(ctx context.Context) Health {
	return l.healthCheck(ctx)
}

func (l *LmStudio) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return l.listModels(ctx)
}

func (l *LmStudio) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return l.chat(ctx, req)
}

func (l *LmStudio) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	return l.chatStream(ctx, req)
}

func (l *LmStudio) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	return l.embeddings(ctx, req)
}

func (l *LmStudio) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	return nil, ErrNotSupported
}
