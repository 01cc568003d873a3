package chat

import (
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/ffinly/chatcore/internal/config"
)

const defaultMaxOutputTokens = 4096

// capabilitySet answers the runtime's capability queries from the declared
// config. The runtime never branches on provider identity.
type capabilitySet struct {
	toolUse       []string
	vision        bool
	systemMessage bool
	paint         bool
}

func newCapabilitySet(caps config.ModelCapabilities) capabilitySet {
	out := capabilitySet{
		vision:        caps.Vision,
		systemMessage: caps.SystemMessage,
		paint:         caps.Paint,
	}
	for _, f := range caps.ToolUse {
		f = strings.TrimSpace(f)
		if f != "" {
			out.toolUse = append(out.toolUse, f)
		}
	}
	return out
}

func (c capabilitySet) SupportsToolUse(feature string) bool {
	feature = strings.TrimSpace(feature)
	for _, f := range c.toolUse {
		if f == "*" || f == feature {
			return true
		}
	}
	return false
}

func (c capabilitySet) SupportsVision() bool        { return c.vision }
func (c capabilitySet) SupportsSystemMessage() bool { return c.systemMessage }
func (c capabilitySet) SupportsPaint() bool         { return c.paint }

// NewModel builds a provider-backed Model from registry entries. The API key
// is resolved from the provider's configured environment variable.
func NewModel(provider config.Provider, model config.Model) (Model, error) {
	providerType := strings.ToLower(strings.TrimSpace(provider.Type))
	modelName := strings.TrimSpace(model.ModelName)
	if modelName == "" {
		return nil, errors.New("missing model name")
	}
	keyEnv := strings.TrimSpace(provider.APIKeyEnv)
	if keyEnv == "" {
		return nil, fmt.Errorf("provider %s has no api_key_env", strings.TrimSpace(provider.ID))
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("provider api key is not set (env %s)", keyEnv)
	}

	modelID := strings.TrimSpace(provider.ID) + "/" + modelName
	caps := newCapabilitySet(model.Capabilities)
	baseURL := strings.TrimSpace(provider.BaseURL)

	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIModel{
			modelID:          modelID,
			modelName:        modelName,
			caps:             caps,
			client:           openai.NewClient(opts...),
			strictToolSchema: providerType == "openai",
		}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicModel{
			modelID:   modelID,
			modelName: modelName,
			caps:      caps,
			client:    anthropic.NewClient(opts...),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			sb.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			sb.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// joinMessageText flattens a message's text parts into a single string.
// Processed images contribute their extracted text.
func joinMessageText(msg Message) string {
	parts := make([]string, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText, PartInfo:
			if txt := strings.TrimSpace(part.Text); txt != "" {
				parts = append(parts, txt)
			}
		case PartImage:
			if txt := strings.TrimSpace(part.OCRText); txt != "" {
				parts = append(parts, "[image text]\n"+txt)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func collectSystemPrompt(messages []Message) string {
	parts := make([]string, 0, 2)
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			continue
		}
		if txt := joinMessageText(msg); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractDataURLBase64(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "data:") {
		return "", false
	}
	meta, data, ok := strings.Cut(raw, ",")
	if !ok {
		return "", false
	}
	if !strings.Contains(meta, ";base64") {
		return "", false
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return "", false
	}
	return data, true
}
