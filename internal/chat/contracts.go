// Package chat is the turn orchestration core: message normalization,
// capability-gated tool composition, provider invocation with streaming
// aggregation, prompt-engineering fallback search, and the per-session
// compaction state machine.
package chat

import (
	"context"
	"encoding/json"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// roleTool carries tool results back to the provider inside the native
	// tool-call loop. It never appears in normalized conversation history.
	roleTool = "tool"
)

// Content part types.
const (
	PartText       = "text"
	PartImage      = "image"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
	PartInfo       = "info"
)

// ContentPart is one typed unit inside a message. Part order within a
// message is preserved end to end.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Image parts reference the blob store. OCRText is attached by the OCR
	// preprocessor for vision-unsupported models. DataURL is resolved from
	// the blob store just before a vision-capable provider call.
	StorageKey string `json:"storage_key,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	OCRText    string `json:"ocr_text,omitempty"`
	DataURL    string `json:"-"`

	// Tool-call / tool-result parts.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`
	ResultJSON string `json:"result_json,omitempty"`
}

type Message struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// Text returns the concatenated text parts of a message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if txt := strings.TrimSpace(p.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Parts: append([]ContentPart(nil), m.Parts...)}
	}
	return out
}

// ToolDef describes one invokable tool offered to the provider.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is a completed tool invocation produced by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Stream event types emitted by provider adapters during one call.
const (
	StreamEventTextDelta     = "text_delta"
	StreamEventToolCallStart = "tool_call_start"
	StreamEventToolCallDelta = "tool_call_delta"
	StreamEventToolCallEnd   = "tool_call_end"
	StreamEventUsage         = "usage"
)

// PartialToolCall is the in-flight view of a streaming tool call.
type PartialToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
	Arguments     map[string]any
}

type StreamEvent struct {
	Type     string
	Text     string
	ToolCall *PartialToolCall
	Usage    *Usage
}

// ChatRequest is the uniform provider-call input.
type ChatRequest struct {
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int
	Temperature     *float64
}

// ChatResult is the aggregated outcome of one provider call.
type ChatResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// PaintedImage is one generated image from a paint-capable model.
type PaintedImage struct {
	Data     []byte
	MimeType string
}

// Model is the uniform capability-query and invocation interface over
// provider adapters. The orchestrator never branches on provider identity,
// only on queried capabilities.
type Model interface {
	ModelID() string
	SupportsToolUse(feature string) bool
	SupportsVision() bool
	SupportsSystemMessage() bool
	SupportsPaint() bool

	StreamChat(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (ChatResult, error)
	Paint(ctx context.Context, prompt string) ([]PaintedImage, error)
}

func emitEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}
