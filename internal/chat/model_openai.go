package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// openAIModel speaks the OpenAI Responses API. It also serves
// openai_compatible gateways with strict tool schemas disabled.
type openAIModel struct {
	modelID          string
	modelName        string
	caps             capabilitySet
	client           openai.Client
	strictToolSchema bool
}

func (m *openAIModel) ModelID() string               { return m.modelID }
func (m *openAIModel) SupportsToolUse(f string) bool { return m.caps.SupportsToolUse(f) }
func (m *openAIModel) SupportsVision() bool          { return m.caps.SupportsVision() }
func (m *openAIModel) SupportsSystemMessage() bool   { return m.caps.SupportsSystemMessage() }
func (m *openAIModel) SupportsPaint() bool           { return m.caps.SupportsPaint() }

func (m *openAIModel) StreamChat(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (ChatResult, error) {
	if m == nil {
		return ChatResult{}, errors.New("nil model")
	}
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(m.modelName),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	inputItems, instructions := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}
	tools, aliasToReal := buildOpenAITools(req.Tools, m.strictToolSchema)
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := m.client.Responses.NewStreaming(ctx, params)
	asm := newStreamAssembler(onEvent, aliasToReal)
	var completed oresponses.Response
	gotCompleted := false

	// Function calls are correlated by item id; call id and name can arrive
	// on either the added or the done event, and argument payloads on any of
	// the three, so every branch just feeds the assembler what it has.
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			asm.appendText(event.Delta.OfString)

		case "response.output_item.added":
			if item := event.Item; strings.TrimSpace(item.Type) == "function_call" && strings.TrimSpace(item.ID) != "" {
				asm.openCall(item.ID, openAICallID(item.CallID, item.ID), item.Name)
				asm.extendArgs(item.ID, strings.TrimSpace(item.Arguments))
			}

		case "response.function_call_arguments.delta":
			if strings.TrimSpace(event.ItemID) != "" {
				asm.extendArgs(event.ItemID, event.Delta.OfString)
			}

		case "response.function_call_arguments.done":
			if strings.TrimSpace(event.ItemID) != "" {
				asm.closeCall(event.ItemID, event.Arguments)
			}

		case "response.output_item.done":
			if item := event.Item; strings.TrimSpace(item.Type) == "function_call" && strings.TrimSpace(item.ID) != "" {
				asm.openCall(item.ID, openAICallID(item.CallID, item.ID), item.Name)
				asm.closeCall(item.ID, item.Arguments)
			}

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResult{}, err
	}
	if !gotCompleted {
		return ChatResult{}, errors.New("missing response.completed event")
	}

	// The final response is authoritative for calls the stream dropped.
	for _, item := range completed.Output {
		if strings.TrimSpace(item.Type) == "function_call" {
			asm.adopt(openAICallID(item.CallID, item.ID), item.Name, item.Arguments)
		}
	}

	result := ChatResult{
		FinishReason: mapOpenAIStatus(completed.Status),
		Usage: Usage{
			InputTokens:  completed.Usage.InputTokens,
			OutputTokens: completed.Usage.OutputTokens,
		},
	}
	result.Text, result.ToolCalls = asm.collect()
	if result.Text == "" {
		result.Text = strings.TrimSpace(extractOpenAIResponseText(completed))
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}})
	return result, nil
}

// openAICallID prefers the wire call id, falling back to the output item id.
func openAICallID(callID, itemID string) string {
	if id := strings.TrimSpace(callID); id != "" {
		return id
	}
	return strings.TrimSpace(itemID)
}

func (m *openAIModel) Paint(ctx context.Context, prompt string) ([]PaintedImage, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	if !m.SupportsPaint() {
		return nil, ErrPaintNotSupported
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("missing paint prompt")
	}
	resp, err := m.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(m.modelName),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	out := make([]PaintedImage, 0, len(resp.Data))
	for _, img := range resp.Data {
		b64 := strings.TrimSpace(img.B64JSON)
		if b64 == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode generated image: %w", err)
		}
		out = append(out, PaintedImage{Data: data, MimeType: "image/png"})
	}
	if len(out) == 0 {
		return nil, errors.New("provider returned no images")
	}
	return out, nil
}

func buildOpenAITools(defs []ToolDef, strict bool) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schema, strict))
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

// buildOpenAIInput converts chat history into Responses API input items.
// System text is collected into the request instructions instead of the
// item list.
func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if txt := joinMessageText(msg); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case roleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				output := strings.TrimSpace(part.ResultJSON)
				if output == "" {
					output = strings.TrimSpace(part.Text)
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
			}
		case RoleAssistant:
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText, PartInfo:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
					}
				case PartToolCall:
					callID := strings.TrimSpace(part.ToolCallID)
					name := sanitizeProviderToolName(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					argsRaw := strings.TrimSpace(part.ArgsJSON)
					if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
						argsRaw = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				}
			}
		default:
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText, PartInfo:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
						})
					}
				case PartImage:
					if uri := strings.TrimSpace(part.DataURL); uri != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputImage: &oresponses.ResponseInputImageParam{
								Detail:   oresponses.ResponseInputImageDetailAuto,
								ImageURL: openai.String(uri),
							},
						})
						continue
					}
					if txt := strings.TrimSpace(part.OCRText); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: "[image text]\n" + txt},
						})
					}
				}
			}
			if len(content) == 0 {
				if txt := joinMessageText(msg); txt != "" {
					content = append(content, oresponses.ResponseInputContentUnionParam{
						OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
					})
				}
			}
			if len(content) > 0 {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
