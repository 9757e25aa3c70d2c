package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flm/internal/engine"
	"flm/internal/security"
)

// fakeEngines is a deterministic EngineService for pipeline tests.
type fakeEngines struct {
	chatCalls int
}

func (f *fakeEngines) ListModels(_ context.Context, _ string) ([]engine.ModelInfo, error) {
	return []engine.ModelInfo{
		{ID: "flm://ollama-default/llama2", EngineID: "ollama-default", Name: "llama2"},
	}, nil
}

func (f *fakeEngines) Chat(_ context.Context, req engine.ChatRequest) (*engine.ChatResponse, error) {
	f.chatCalls++
	return &engine.ChatResponse{
		Message: engine.Message{Role: engine.RoleAssistant, Content: "hello from " + req.EngineID},
		Usage:   engine.UsageStats{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (f *fakeEngines) ChatStream(ctx context.Context, _ engine.ChatRequest) (<-chan engine.StreamItem, error) {
	out := make(chan engine.StreamItem, 4)
	out <- engine.StreamItem{Chunk: engine.StreamChunk{Delta: engine.Message{Role: engine.RoleAssistant, Content: "Hel"}}}
	out <- engine.StreamItem{Chunk: engine.StreamChunk{Delta: engine.Message{Role: engine.RoleAssistant, Content: "lo"}}}
	out <- engine.StreamItem{Chunk: engine.StreamChunk{
		Delta: engine.Message{Role: engine.RoleAssistant}, IsDone: true,
		Usage: &engine.UsageStats{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}}
	close(out)
	return out, nil
}

func (f *fakeEngines) Embeddings(_ context.Context, req engine.EmbeddingRequest) (*engine.EmbeddingResponse, error) {
	resp := &engine.EmbeddingResponse{Usage: engine.UsageStats{PromptTokens: 4, TotalTokens: 4}}
	for i := range req.Input {
		resp.Data = append(resp.Data, engine.EmbeddingVector{Index: i, Embedding: []float64{0.5}})
	}
	return resp, nil
}

func (f *fakeEngines) Transcribe(_ context.Context, _ engine.TranscriptionRequest) (*engine.TranscriptionResponse, error) {
	return &engine.TranscriptionResponse{Text: "transcribed"}, nil
}

type pipelineFixture struct {
	gateway *Gateway
	keys    *security.KeyService
	plain   string
	keyRepo *memKeyRepo
}

type memKeyRepo struct {
	records []security.ApiKeyRecord
}

func (r *memKeyRepo) InsertAPIKey(_ context.Context, rec security.ApiKeyRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *memKeyRepo) ListAPIKeys(_ context.Context) ([]security.ApiKeyRecord, error) {
	out := make([]security.ApiKeyRecord, len(r.records))
	copy(out, r.records)
	return out, nil
}

func (r *memKeyRepo) GetAPIKey(_ context.Context, id string) (*security.ApiKeyRecord, error) {
	for i := range r.records {
		if r.records[i].ID == id {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (r *memKeyRepo) RevokeAPIKey(_ context.Context, id string, revokedAt time.Time) error {
	for i := range r.records {
		if r.records[i].ID == id {
			r.records[i].RevokedAt = &revokedAt
		}
	}
	return nil
}

func newPipelineFixture(t *testing.T, policy security.Policy) *pipelineFixture {
	t.Helper()
	repo := &memKeyRepo{}
	keys := security.NewKeyService(repo)
	created, err := keys.Create(context.Background(), "test")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	gateway := NewGateway(GatewayOptions{
		Policy:    policy,
		Keys:      keys,
		Limiter:   security.NewRateLimiter(policy.RateLimit, policy.IPRateLimit),
		Intrusion: security.NewIntrusionDetector(),
		Anomaly:   security.NewAnomalyDetector(),
		Blocklist: security.NewBlocklist(security.NewMemoryBlockStore()),
		Engines:   &fakeEngines{},
	})
	return &pipelineFixture{gateway: gateway, keys: keys, plain: created.Plain, keyRepo: repo}
}

func doRequest(g *Gateway, method, path, token string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "203.0.113.77:5000"
	r.Header.Set("User-Agent", "flm-test/1.0")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())
	w := doRequest(f.gateway, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestModelsRequiresAuth(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	w := doRequest(f.gateway, "GET", "/v1/models", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = doRequest(f.gateway, "GET", "/v1/models", "wrong-key", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad key, got %d", w.Code)
	}

	w = doRequest(f.gateway, "GET", "/v1/models", f.plain, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d: %s", w.Code, w.Body.String())
	}
	var list wireModelList
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Object != "list" || len(list.Data) != 1 {
		t.Errorf("unexpected list %s", w.Body.String())
	}
	if list.Data[0].ID != "flm://ollama-default/llama2" {
		t.Errorf("unexpected model id %q", list.Data[0].ID)
	}
}

func TestWhitelistRejectsOutsiders(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.IPWhitelist = []string{"10.0.0.0/8"}
	f := newPipelineFixture(t, policy)

	w := doRequest(f.gateway, "GET", "/health", "", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-whitelisted ip, got %d", w.Code)
	}
}

func TestRateLimitBoundary(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.RateLimit = security.RateLimitSettings{Rpm: 5, Burst: 5}
	policy.IPRateLimit = security.RateLimitSettings{}
	f := newPipelineFixture(t, policy)

	for i := 0; i < 5; i++ {
		w := doRequest(f.gateway, "GET", "/v1/models", f.plain, "")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := doRequest(f.gateway, "GET", "/v1/models", f.plain, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining: 0")
	}
	if w.Header().Get("X-RateLimit-Scope") != "api-key" {
		t.Errorf("expected api-key scope, got %q", w.Header().Get("X-RateLimit-Scope"))
	}
}

func TestSQLInjectionRejectedBeforeDispatch(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())
	engines := f.gateway.engines.(*fakeEngines)

	r := httptest.NewRequest("GET", "/v1/models?id=1%27%20OR%20%271%27=%271", nil)
	r.RemoteAddr = "203.0.113.66:5000"
	r.Header.Set("User-Agent", "flm-test/1.0")
	r.Header.Set("Authorization", "Bearer "+f.plain)
	w := httptest.NewRecorder()
	f.gateway.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for SQLi probe, got %d", w.Code)
	}
	if engines.chatCalls != 0 {
		t.Error("scored request must not reach the engine layer")
	}
}

func TestBlockedIPRejected(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	// Five auth failures escalate to a temp block; even valid requests
	// are then refused.
	for i := 0; i < 5; i++ {
		doRequest(f.gateway, "GET", "/v1/models", "bad-key", "")
	}
	w := doRequest(f.gateway, "GET", "/v1/models", f.plain, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after block, got %d", w.Code)
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	body := `{"model":"flm://ollama-default/llama2","messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(f.gateway, "POST", "/v1/chat/completions", f.plain, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chatCompletionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Object != "chat.completion" {
		t.Errorf("unexpected object %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello from ollama-default" {
		t.Errorf("unexpected choices: %s", w.Body.String())
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	body := `{"model":"flm://ollama-default/llama2","messages":[{"role":"user","content":"hi"}],"stream":true}`
	w := doRequest(f.gateway, "POST", "/v1/chat/completions", f.plain, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("expected multiple SSE frames, got %d", len(frames))
	}
	if frames[len(frames)-1] != "data: [DONE]" {
		t.Errorf("expected [DONE] terminator, got %q", frames[len(frames)-1])
	}

	var content string
	for _, frame := range frames[:len(frames)-1] {
		payload := strings.TrimPrefix(frame, "data: ")
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame %q does not parse: %v", payload, err)
		}
		if len(chunk.Choices) > 0 {
			content += chunk.Choices[0].Delta.Content
		}
	}
	if content != "Hello" {
		t.Errorf("expected concatenated content Hello, got %q", content)
	}
}

func TestEmbeddingsStringAndArrayInput(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	w := doRequest(f.gateway, "POST", "/v1/embeddings", f.plain,
		`{"model":"flm://ollama-default/llama2","input":"one"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("string input: expected 200, got %d", w.Code)
	}
	var resp embeddingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Data) != 1 {
		t.Errorf("expected 1 vector, got %d", len(resp.Data))
	}

	w = doRequest(f.gateway, "POST", "/v1/embeddings", f.plain,
		`{"model":"flm://ollama-default/llama2","input":["one","two"]}`)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Data) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(resp.Data))
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())
	w := doRequest(f.gateway, "GET", "/v1/nothing-here", f.plain, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCorsPreflight(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.Cors.AllowedOrigins = []string{"https://app.example.com"}
	f := newPipelineFixture(t, policy)

	r := httptest.NewRequest("OPTIONS", "/v1/models", nil)
	r.RemoteAddr = "203.0.113.88:5000"
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	f.gateway.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}

	// Unlisted origins get no allow header.
	r = httptest.NewRequest("OPTIONS", "/v1/models", nil)
	r.RemoteAddr = "203.0.113.88:5000"
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	f.gateway.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow header for unlisted origin, got %q", got)
	}
}

func TestPolicyHotReloadTakesEffect(t *testing.T) {
	f := newPipelineFixture(t, security.DefaultPolicy())

	w := doRequest(f.gateway, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 before reload, got %d", w.Code)
	}

	restricted := security.DefaultPolicy()
	restricted.IPWhitelist = []string{"10.0.0.0/8"}
	f.gateway.UpdatePolicy(restricted)

	w = doRequest(f.gateway, "GET", "/health", "", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after reload, got %d", w.Code)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&engine.APIError{Reason: "bad model", StatusCode: 404}, 404},
		{&engine.APIError{Reason: "boom", StatusCode: 500}, http.StatusBadGateway},
		{&engine.InvalidResponseError{Reason: "schema"}, http.StatusBadGateway},
		{&engine.NetworkError{Reason: "refused"}, http.StatusBadGateway},
		{engine.ErrEngineNotFound, http.StatusNotFound},
		{engine.ErrNotSupported, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", engine.ErrNotSupported), http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeEngineError(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("writeEngineError(%v) = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}
