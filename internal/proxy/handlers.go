package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"flm/internal/engine"
)

// dispatch routes an authenticated, rate-admitted request to the local
// control endpoints or the engine layer.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, keyID string) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/models" && r.Method == http.MethodGet:
		g.handleModels(w, r)
	case r.URL.Path == "/v1/chat/completions" && r.Method == http.MethodPost:
		g.handleChatCompletions(w, r)
	case r.URL.Path == "/v1/embeddings" && r.Method == http.MethodPost:
		g.handleEmbeddings(w, r)
	case r.URL.Path == "/v1/audio/transcriptions" && r.Method == http.MethodPost:
		g.handleTranscriptions(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

// --- OpenAI-compatible wire shapes ---

type wireModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type wireModelList struct {
	Object string      `json:"object"`
	Data   []wireModel `json:"data"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireAttachment struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
	Filename string `json:"filename,omitempty"`
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type chatChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatCompletionChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int            `json:"index"`
		Delta        chatChunkDelta `json:"delta"`
		FinishReason *string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := g.engines.ListModels(r.Context(), "")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	list := wireModelList{Object: "list", Data: make([]wireModel, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, wireModel{ID: m.ID, Object: "model", OwnedBy: m.EngineID})
	}
	writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	engineID, _, err := engine.ParseModelID(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	chatReq := engine.ChatRequest{
		EngineID:    engineID,
		ModelID:     req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, engine.Message{
			Role:    engine.Role(m.Role),
			Content: m.Content,
		})
	}
	if len(req.Attachments) > 0 && len(chatReq.Messages) > 0 {
		last := &chatReq.Messages[len(chatReq.Messages)-1]
		for _, att := range req.Attachments {
			data, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "attachment data is not valid base64")
				return
			}
			last.Attachments = append(last.Attachments, engine.Attachment{
				Kind:     engine.AttachmentKind(att.Kind),
				Data:     data,
				MimeType: att.MimeType,
				Filename: att.Filename,
			})
		}
	}

	if req.Stream {
		g.streamChatCompletion(w, r, chatReq)
		return
	}

	resp, err := g.engines.Chat(r.Context(), chatReq)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	out.Choices = append(out.Choices, struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{Message: wireMessage{Role: string(resp.Message.Role), Content: resp.Message.Content}, FinishReason: "stop"})
	writeJSON(w, http.StatusOK, out)
}

// streamChatCompletion forwards the adapter's chunk sequence as SSE
// frames. Chunks are written as they arrive (no buffering); the idle
// cap bounds the wait between chunks. An upstream failure mid-stream
// still terminates the sequence with a finish_reason marker and [DONE].
func (g *Gateway) streamChatCompletion(w http.ResponseWriter, r *http.Request, req engine.ChatRequest) {
	stream, err := g.engines.ChatStream(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()

	writeChunk := func(delta chatChunkDelta, finish *string, usage *wireUsage) bool {
		chunk := chatCompletionChunk{ID: id, Object: "chat.completion.chunk", Created: created, Model: req.ModelID, Usage: usage}
		chunk.Choices = append(chunk.Choices, struct {
			Index        int            `json:"index"`
			Delta        chatChunkDelta `json:"delta"`
			FinishReason *string        `json:"finish_reason"`
		}{Delta: delta, FinishReason: finish})
		raw, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	finish := func(reason string) {
		writeChunk(chatChunkDelta{}, &reason, nil)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	first := true
	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(streamIdleTimeout)

		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			slog.Warn("stream idle timeout", "model", req.ModelID)
			finish("error")
			return
		case item, open := <-stream:
			if !open {
				finish("stop")
				return
			}
			if item.Err != nil {
				slog.Warn("stream error from engine", "model", req.ModelID, "error", item.Err)
				finish("error")
				return
			}
			delta := chatChunkDelta{Content: item.Chunk.Delta.Content}
			if first {
				delta.Role = "assistant"
				first = false
			}
			if item.Chunk.IsDone {
				var usage *wireUsage
				if item.Chunk.Usage != nil {
					usage = &wireUsage{
						PromptTokens:     item.Chunk.Usage.PromptTokens,
						CompletionTokens: item.Chunk.Usage.CompletionTokens,
						TotalTokens:      item.Chunk.Usage.TotalTokens,
					}
				}
				if delta.Content != "" {
					writeChunk(delta, nil, nil)
				}
				reason := "stop"
				writeChunk(chatChunkDelta{}, &reason, usage)
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if !writeChunk(delta, nil, nil) {
				return
			}
		}
	}
}

type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type wireEmbedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Data   []wireEmbedding `json:"data"`
	Model  string          `json:"model"`
	Usage  wireUsage       `json:"usage"`
}

func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	engineID, _, err := engine.ParseModelID(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// input is a string or an array of strings.
	var inputs []string
	var single string
	if err := json.Unmarshal(req.Input, &single); err == nil {
		inputs = []string{single}
	} else if err := json.Unmarshal(req.Input, &inputs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "input must be a string or array of strings")
		return
	}

	resp, err := g.engines.Embeddings(r.Context(), engine.EmbeddingRequest{
		EngineID: engineID,
		ModelID:  req.Model,
		Input:    inputs,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := embeddingsResponse{
		Object: "list",
		Model:  req.Model,
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, v := range resp.Data {
		out.Data = append(out.Data, wireEmbedding{Object: "embedding", Index: v.Index, Embedding: v.Embedding})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRequestBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart upload")
		return
	}
	model := r.FormValue("model")
	engineID, _, err := engine.ParseModelID(model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable upload")
		return
	}

	resp, err := g.engines.Transcribe(r.Context(), engine.TranscriptionRequest{
		EngineID: engineID,
		ModelID:  model,
		Audio:    data,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Language: r.FormValue("language"),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

// writeEngineError maps engine error kinds onto the stable public
// status codes. Upstream 4xx statuses pass through when safe; anything
// else surfaces as a gateway error.
func writeEngineError(w http.ResponseWriter, err error) {
	var apiErr *engine.APIError
	var netErr *engine.NetworkError
	var invalid *engine.InvalidResponseError
	switch {
	case errors.Is(err, engine.ErrEngineNotFound):
		writeError(w, http.StatusNotFound, "model_not_found", err.Error())
	case errors.Is(err, engine.ErrNotSupported):
		writeError(w, http.StatusBadRequest, "unsupported_operation", err.Error())
	case errors.As(err, &apiErr):
		status := http.StatusBadGateway
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			status = apiErr.StatusCode
		}
		writeError(w, status, "upstream_error", apiErr.Reason)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadGateway, "invalid_upstream_response", invalid.Reason)
	case errors.As(err, &netErr):
		writeError(w, http.StatusBadGateway, "upstream_unreachable", netErr.Reason)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}
