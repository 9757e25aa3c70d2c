package engine

import (
	"context"
	"net/http"
)

// Vllm adapts a vLLM OpenAI-compatible server. Default endpoint is
// http://VLLM_HOST:VLLM_PORT with host 127.0.0.1 and port 8000.
type Vllm struct {
	openAICompat
}

// NewVllm creates an adapter for one vLLM instance.
func NewVllm(id, baseURL string, client *http.Client) *Vllm {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	return &Vllm{openAICompat{
		id:  id,
		api: newHTTPAPI(baseURL, client),
		// /health is vLLM's own probe; older builds only expose the
		// OpenAI surface, so fall back to /v1/models.
		healthPaths: []string{"/health", "/v1/models"},
	}}
}

func (v *Vllm) ID() string { return v.id }

func (v *Vllm) Kind() Kind { return KindVllm }

func (v *Vllm) Capabilities() Capabilities {
	return Capabilities{Chat: true, ChatStream: true, Embeddings: true, Tools: true, AudioInputs: true}
}

func (v *Vllm) HealthCheck(ctx context.Context) Health {
	return v.healthCheck(ctx)
}

func (v *Vllm) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return v.listModels(ctx)
}

func (v *Vllm) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return v.chat(ctx, req)
}

func (v *Vllm) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	return v.chatStream(ctx, req)
}

func (v *Vllm) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	return v.embeddings(ctx, req)
}

func (v *Vllm) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	return v.transcribe(ctx, req)
}
