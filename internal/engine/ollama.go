package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultOllamaURL is the canonical local Ollama endpoint; override with
// OLLAMA_BASE_URL.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// Ollama adapts the Ollama native HTTP API (/api/*).
type Ollama struct {
	id  string
	api httpAPI
}

// NewOllama creates an adapter for one Ollama instance.
func NewOllama(id, baseURL string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &Ollama{id: id, api: newHTTPAPI(baseURL, client)}
}

func (o *Ollama) ID() string { return o.id }

func (o *Ollama) Kind() Kind { return KindOllama }

func (o *Ollama) Capabilities() Capabilities {
	return Capabilities{Chat: true, ChatStream: true, Embeddings: true, VisionInputs: true}
}

func (o *Ollama) HealthCheck(ctx context.Context) Health {
	latency, status, err := o.api.probe(ctx, "/api/tags")
	if err != nil {
		return Health{State: HealthUnreachable, Reason: err.Error()}
	}
	return classifyProbe(latency, status)
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var tags ollamaTagsResponse
	if err := o.api.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			ID:       FormatModelID(o.id, m.Name),
			EngineID: o.id,
			Name:     m.Name,
		})
	}
	return models, nil
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (o *Ollama) buildChat(req ChatRequest, stream bool) (*ollamaChatRequest, error) {
	model, err := ModelName(req.ModelID, o.id)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	out := &ollamaChatRequest{Model: model, Stream: stream}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, att := range m.Attachments {
			if att.Kind == AttachmentInputImage {
				om.Images = append(om.Images, att.Data)
			}
		}
		out.Messages = append(out.Messages, om)
	}
	if req.Temperature != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}
	return out, nil
}

func (o *Ollama) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := o.buildChat(req, false)
	if err != nil {
		return nil, err
	}
	var resp ollamaChatResponse
	if err := o.api.postJSON(ctx, "/api/chat", body, &resp); err != nil {
		return nil, err
	}
	usage := UsageStats{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	usage.AddUsage()
	return &ChatResponse{
		Message: Message{Role: RoleAssistant, Content: resp.Message.Content},
		Usage:   usage,
	}, nil
}

// ChatStream parses Ollama's newline-delimited JSON frames. The frame
// with "done":true carries the eval counts and becomes the final chunk.
func (o *Ollama) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	body, err := o.buildChat(req, true)
	if err != nil {
		return nil, err
	}
	rc, err := o.api.postStream(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		defer rc.Close()
		done := false
		err := scanJSONLines(rc, func(line []byte) bool {
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				emit(ctx, out, StreamItem{Err: &InvalidResponseError{
					Reason: fmt.Sprintf("decode stream frame: %v", err),
				}})
				done = true
				return false
			}
			item := StreamItem{Chunk: StreamChunk{
				Delta:  Message{Role: RoleAssistant, Content: chunk.Message.Content},
				IsDone: chunk.Done,
			}}
			if chunk.Done {
				usage := UsageStats{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
				usage.AddUsage()
				item.Chunk.Usage = &usage
				done = true
			}
			if !emit(ctx, out, item) {
				done = true
				return false
			}
			return !chunk.Done
		})
		if err != nil && !done {
			emit(ctx, out, StreamItem{Err: &NetworkError{Reason: fmt.Sprintf("read stream: %v", err), Err: err}})
		} else if !done {
			// Upstream closed without a done frame; terminate the
			// sequence so consumers never hang.
			emit(ctx, out, StreamItem{Chunk: StreamChunk{Delta: Message{Role: RoleAssistant}, IsDone: true}})
		}
	}()
	return out, nil
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (o *Ollama) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model, err := ModelName(req.ModelID, o.id)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	// The legacy embeddings endpoint takes one prompt per call.
	resp := &EmbeddingResponse{}
	for i, input := range req.Input {
		var er ollamaEmbeddingResponse
		body := map[string]string{"model": model, "prompt": input}
		if err := o.api.postJSON(ctx, "/api/embeddings", body, &er); err != nil {
			return nil, err
		}
		resp.Data = append(resp.Data, EmbeddingVector{Index: i, Embedding: er.Embedding})
	}
	return resp, nil
}

func (o *Ollama) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	return nil, ErrNotSupported
}

// emit sends item unless ctx is cancelled; reports whether the consumer
// is still listening.
func emit(ctx context.Context, out chan<- StreamItem, item StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
