package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

type anthropicModel struct {
	modelID   string
	modelName string
	caps      capabilitySet
	client    anthropic.Client
}

func (m *anthropicModel) ModelID() string               { return m.modelID }
func (m *anthropicModel) SupportsToolUse(f string) bool { return m.caps.SupportsToolUse(f) }
func (m *anthropicModel) SupportsVision() bool          { return m.caps.SupportsVision() }
func (m *anthropicModel) SupportsSystemMessage() bool   { return m.caps.SupportsSystemMessage() }
func (m *anthropicModel) SupportsPaint() bool           { return false }

func (m *anthropicModel) Paint(ctx context.Context, prompt string) ([]PaintedImage, error) {
	return nil, ErrPaintNotSupported
}

func (m *anthropicModel) StreamChat(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (ChatResult, error) {
	if m == nil {
		return ChatResult{}, errors.New("nil model")
	}
	tools, aliasToReal := buildAnthropicTools(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     tools,
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := collectSystemPrompt(req.Messages); strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(system)}}
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	asm := newStreamAssembler(onEvent, aliasToReal)

	// Tool use arrives as content blocks keyed by index: start carries id and
	// name, input_json deltas carry argument fragments, and stop closes the
	// block with the accumulated message as the authoritative payload.
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return ChatResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			key := anthropicBlockKey(variant.Index)
			asm.openCall(key, variant.ContentBlock.ID, variant.ContentBlock.Name)
			if variant.ContentBlock.Input != nil {
				if b, err := json.Marshal(variant.ContentBlock.Input); err == nil {
					if raw := strings.TrimSpace(string(b)); raw != "" && raw != "{}" && raw != "null" {
						asm.extendArgs(key, raw)
					}
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				asm.appendText(delta.Text)
			case anthropic.InputJSONDelta:
				asm.extendArgs(anthropicBlockKey(variant.Index), delta.PartialJSON)
			}

		case anthropic.ContentBlockStopEvent:
			raw := ""
			if idx := int(variant.Index); idx >= 0 && idx < len(msg.Content) {
				if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
					raw = string(tu.Input)
				}
			}
			asm.closeCall(anthropicBlockKey(variant.Index), raw)
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResult{}, err
	}

	result := ChatResult{
		FinishReason: mapAnthropicStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	// The accumulated message is authoritative for blocks the stream dropped.
	var finalText string
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if finalText == "" {
				finalText = strings.TrimSpace(variant.Text)
			}
		case anthropic.ToolUseBlock:
			asm.adopt(variant.ID, variant.Name, string(variant.Input))
		}
	}
	result.Text, result.ToolCalls = asm.collect()
	if result.Text == "" {
		result.Text = finalText
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}})
	return result, nil
}

func anthropicBlockKey(index int64) string {
	return "block_" + strconv.FormatInt(index, 10)
}

func buildAnthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		required, _ := toStringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        sanitizeProviderToolName(name),
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
		}
		aliasToReal[sanitizeProviderToolName(name)] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

// buildAnthropicMessages converts chat history into Anthropic message params.
// System messages are excluded; they travel as the request system prompt.
// Tool results are carried on user-role messages per the Anthropic wire shape.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts)+1)
		for _, part := range msg.Parts {
			switch part.Type {
			case PartToolResult:
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				content := strings.TrimSpace(part.ResultJSON)
				if content == "" {
					content = strings.TrimSpace(part.Text)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(callID, content, false))
			case PartToolCall:
				callID := strings.TrimSpace(part.ToolCallID)
				name := sanitizeProviderToolName(part.ToolName)
				if callID == "" || name == "" {
					continue
				}
				args := map[string]any{}
				if raw := strings.TrimSpace(part.ArgsJSON); raw != "" {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(callID, args, name))
			case PartImage:
				if b64, ok := extractDataURLBase64(part.DataURL); ok {
					mediaType := strings.TrimSpace(part.MimeType)
					if mediaType == "" {
						mediaType = "image/png"
					}
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, b64))
					continue
				}
				if txt := strings.TrimSpace(part.OCRText); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock("[image text]\n"+txt))
				}
			default:
				if txt := strings.TrimSpace(part.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			}
		}
		if len(blocks) == 0 {
			if txt := joinMessageText(msg); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(item)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
