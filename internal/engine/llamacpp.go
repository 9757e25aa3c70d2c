package engine

import (
	"context"
	"net/http"
)

// LlamaCpp adapts a llama.cpp server (llama-server). It speaks the
// OpenAI-compatible surface on localhost:LLAMA_CPP_PORT (default 8080)
// and accepts audio uploads for transcription when built with whisper
// support.
type LlamaCpp struct {
	openAICompat
}

// NewLlamaCpp creates an adapter for one llama.cpp server instance.
func NewLlamaCpp(id, baseURL string, client *http.Client) *LlamaCpp {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &LlamaCpp{openAICompat{
		id:          id,
		api:         newHTTPAPI(baseURL, client),
		healthPaths: []string{"/v1/models"},
	}}
}

func (l *LlamaCpp) ID() string { return l.id }

func (l *LlamaCpp) Kind() Kind { return KindLlamaCpp }

func (l *LlamaCpp) Capabilities() Capabilities {
	return Capabilities{Chat: true, ChatStream: true, Embeddings: true, AudioInputs: true}
}

func (l *LlamaCpp) HealthCheck(ctx context.Context) Health {
	return l.healthCheck(ctx)
}

func (l *LlamaCpp) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return l.listModels(ctx)
}

func (l *LlamaCpp) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return l.chat(ctx, req)
}

func (l *LlamaCpp) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	return l.chatStream(ctx, req)
}

func (l *LlamaCpp) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	return l.embeddings(ctx, req)
}

func (l *LlamaCpp) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	return l.transcribe(ctx, req)
}
