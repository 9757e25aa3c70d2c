package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// openAICompat is the shared core of the adapters that speak the
// OpenAI-compatible surface (vLLM, LM Studio, llama.cpp): /v1/models,
// /v1/chat/completions, /v1/embeddings. Per-kind adapters wrap it with
// their own capabilities, detection, and health endpoints.
type openAICompat struct {
	id          string
	api         httpAPI
	healthPaths []string
}

func (c *openAICompat) healthCheck(ctx context.Context) Health {
	var last Health
	for _, path := range c.healthPaths {
		latency, status, err := c.api.probe(ctx, path)
		if err != nil {
			last = Health{State: HealthUnreachable, Reason: err.Error()}
			continue
		}
		h := classifyProbe(latency, status)
		if h.State != HealthUnreachable {
			return h
		}
		last = h
	}
	return last
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *openAICompat) listModels(ctx context.Context) ([]ModelInfo, error) {
	var resp openAIModelsResponse
	if err := c.api.getJSON(ctx, "/v1/models", &resp); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelInfo{
			ID:       FormatModelID(c.id, m.ID),
			EngineID: c.id,
			Name:     m.ID,
		})
	}
	return models, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIChatChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (c *openAICompat) buildChat(req ChatRequest, stream bool) (*openAIChatRequest, error) {
	model, err := ModelName(req.ModelID, c.id)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	out := &openAIChatRequest{
		Model:       model,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

func (c *openAICompat) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.buildChat(req, false)
	if err != nil {
		return nil, err
	}
	var resp openAIChatResponse
	if err := c.api.postJSON(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &InvalidResponseError{Reason: "response has no choices"}
	}
	usage := UsageStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	usage.AddUsage()
	return &ChatResponse{
		Message: Message{Role: RoleAssistant, Content: resp.Choices[0].Message.Content},
		Usage:   usage,
	}, nil
}

// chatStream parses SSE frames terminated by data: [DONE]. The final
// chunk is synthesized when the terminator (or a finish_reason frame)
// arrives, carrying usage when the engine reported it.
func (c *openAICompat) chatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	body, err := c.buildChat(req, true)
	if err != nil {
		return nil, err
	}
	rc, err := c.api.postStream(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		defer rc.Close()
		var usage *UsageStats
		failed := false
		err := scanSSE(rc, func(data []byte) bool {
			var chunk openAIChatChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				emit(ctx, out, StreamItem{Err: &InvalidResponseError{
					Reason: fmt.Sprintf("decode stream frame: %v", err),
				}})
				failed = true
				return false
			}
			if chunk.Usage != nil {
				usage = &UsageStats{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
				usage.AddUsage()
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" && chunk.Choices[0].FinishReason != nil {
				return true
			}
			item := StreamItem{Chunk: StreamChunk{
				Delta: Message{Role: RoleAssistant, Content: delta},
			}}
			if !emit(ctx, out, item) {
				failed = true
				return false
			}
			return true
		})
		if failed {
			return
		}
		if err != nil {
			emit(ctx, out, StreamItem{Err: &NetworkError{Reason: fmt.Sprintf("read stream: %v", err), Err: err}})
			return
		}
		emit(ctx, out, StreamItem{Chunk: StreamChunk{
			Delta:  Message{Role: RoleAssistant},
			IsDone: true,
			Usage:  usage,
		}})
	}()
	return out, nil
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage openAIUsage `json:"usage"`
}

func (c *openAICompat) embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model, err := ModelName(req.ModelID, c.id)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	body := map[string]any{"model": model, "input": req.Input}
	var resp openAIEmbeddingResponse
	if err := c.api.postJSON(ctx, "/v1/embeddings", body, &resp); err != nil {
		return nil, err
	}
	out := &EmbeddingResponse{}
	for _, d := range resp.Data {
		out.Data = append(out.Data, EmbeddingVector{Index: d.Index, Embedding: d.Embedding})
	}
	out.Usage = UsageStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	out.Usage.AddUsage()
	return out, nil
}

type openAITranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *openAICompat) transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	model, err := ModelName(req.ModelID, c.id)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	fields := map[string]string{"model": model}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	var resp openAITranscription
	if err := c.api.postMultipart(ctx, "/v1/audio/transcriptions", "file", filename, req.Audio, fields, &resp); err != nil {
		return nil, err
	}
	return &TranscriptionResponse{Text: resp.Text, Language: resp.Language}, nil
}
