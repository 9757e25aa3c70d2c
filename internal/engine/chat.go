package engine

// Role is the sender role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// AttachmentKind classifies a multimodal attachment.
type AttachmentKind string

const (
	AttachmentInputImage AttachmentKind = "input_image"
	AttachmentInputAudio AttachmentKind = "input_audio"
)

// Attachment carries decoded multimodal input bytes for a message.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Data     []byte         `json:"data"`
	MimeType string         `json:"mime_type"`
	Filename string         `json:"filename,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatRequest is a completion request targeting one engine. ModelID must
// carry the flm://{EngineID}/ prefix; adapters reject mismatches before
// network I/O.
type ChatRequest struct {
	EngineID    string    `json:"engine_id"`
	ModelID     string    `json:"model_id"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// UsageStats is token accounting for a completed request. Total is
// prompt + completion, saturating rather than wrapping.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AddUsage sums prompt and completion into TotalTokens, saturating at
// the int maximum.
func (u *UsageStats) AddUsage() {
	total := u.PromptTokens + u.CompletionTokens
	if total < u.PromptTokens {
		total = int(^uint(0) >> 1)
	}
	u.TotalTokens = total
}

// ChatResponse is a buffered (non-streaming) completion.
type ChatResponse struct {
	Message Message    `json:"message"`
	Usage   UsageStats `json:"usage"`
}

// StreamChunk is one incremental update of a streaming completion. The
// final chunk sets IsDone and may carry usage.
type StreamChunk struct {
	Delta  Message     `json:"delta"`
	IsDone bool        `json:"is_done"`
	Usage  *UsageStats `json:"usage,omitempty"`
}

// StreamItem is one element of a chat stream: a chunk or an error.
// After an item with Err != nil or Chunk.IsDone, the channel is closed.
type StreamItem struct {
	Chunk StreamChunk
	Err   error
}

// EmbeddingRequest asks one engine for embeddings over one or more
// inputs.
type EmbeddingRequest struct {
	EngineID string   `json:"engine_id"`
	ModelID  string   `json:"model_id"`
	Input    []string `json:"input"`
}

// EmbeddingVector is one embedding result, index-aligned with the
// request input.
type EmbeddingVector struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse carries all vectors plus usage.
type EmbeddingResponse struct {
	Data  []EmbeddingVector `json:"data"`
	Usage UsageStats        `json:"usage"`
}

// TranscriptionRequest is an audio transcription request. Audio holds
// the raw uploaded bytes.
type TranscriptionRequest struct {
	EngineID string `json:"engine_id"`
	ModelID  string `json:"model_id"`
	Audio    []byte `json:"-"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Language string `json:"language,omitempty"`
}

// TranscriptionResponse is the transcribed text.
type TranscriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}
