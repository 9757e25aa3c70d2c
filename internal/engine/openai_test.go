package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVllmChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"pong"}}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`)
	}))
	defer srv.Close()

	v := NewVllm("vllm-default", srv.URL, srv.Client())
	resp, err := v.Chat(context.Background(), ChatRequest{
		EngineID: "vllm-default",
		ModelID:  "flm://vllm-default/meta/Llama-3-8B",
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "pong" {
		t.Errorf("unexpected content %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected total 5, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIStreamParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"He\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":2,\"total_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	l := NewLmStudio("lmstudio-default", srv.URL, srv.Client())
	stream, err := l.ChatStream(context.Background(), ChatRequest{
		EngineID: "lmstudio-default",
		ModelID:  "flm://lmstudio-default/qwen2",
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var last StreamItem
	count := 0
	for item := range stream {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		content += item.Chunk.Delta.Content
		last = item
		count++
	}
	if content != "Hey" {
		t.Errorf("expected Hey, got %q", content)
	}
	if !last.Chunk.IsDone {
		t.Error("expected final chunk to set IsDone")
	}
	if last.Chunk.Usage == nil || last.Chunk.Usage.TotalTokens != 4 {
		t.Errorf("expected usage carried to final chunk, got %+v", last.Chunk.Usage)
	}
	if count != 3 {
		t.Errorf("expected 3 emitted chunks, got %d", count)
	}
}

func TestOpenAIStreamParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: not-json\n\n")
	}))
	defer srv.Close()

	v := NewVllm("vllm-default", srv.URL, srv.Client())
	stream, err := v.ChatStream(context.Background(), ChatRequest{
		EngineID: "vllm-default",
		ModelID:  "flm://vllm-default/m",
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []StreamItem
	for item := range stream {
		items = append(items, item)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single error item, got %d", len(items))
	}
	if items[0].Err == nil {
		t.Fatal("expected parse failure to surface as stream error")
	}
	if _, ok := items[0].Err.(*InvalidResponseError); !ok {
		t.Errorf("expected InvalidResponseError, got %T", items[0].Err)
	}
}

func TestVllmHealthFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/models":
			fmt.Fprint(w, `{"data":[]}`)
		}
	}))
	defer srv.Close()

	v := NewVllm("vllm-default", srv.URL, srv.Client())
	h := v.HealthCheck(context.Background())
	if h.State != HealthHealthy {
		t.Errorf("expected fallback probe to report healthy, got %s (%s)", h.State, h.Reason)
	}
}

func TestOpenAIAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model not loaded"}}`)
	}))
	defer srv.Close()

	l := NewLlamaCpp("llamacpp-default", srv.URL, srv.Client())
	_, err := l.Chat(context.Background(), ChatRequest{
		EngineID: "llamacpp-default",
		ModelID:  "flm://llamacpp-default/m",
	})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", apiErr.StatusCode)
	}
	if apiErr.Reason != "model not loaded" {
		t.Errorf("expected upstream message, got %q", apiErr.Reason)
	}
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1,0.2]},{"index":1,"embedding":[0.3]}],"usage":{"prompt_tokens":6,"completion_tokens":0,"total_tokens":6}}`)
	}))
	defer srv.Close()

	v := NewVllm("vllm-default", srv.URL, srv.Client())
	resp, err := v.Embeddings(context.Background(), EmbeddingRequest{
		EngineID: "vllm-default",
		ModelID:  "flm://vllm-default/embed-model",
		Input:    []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(resp.Data))
	}
	if resp.Data[1].Index != 1 {
		t.Errorf("expected index alignment, got %d", resp.Data[1].Index)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("expected usage total 6, got %d", resp.Usage.TotalTokens)
	}
}
